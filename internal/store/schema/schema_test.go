package schema

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	m := Default()
	assert.Equal(t, uint(2), m.LatestVersion())

	src, err := m.Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		fsys    fstest.MapFS
		want    uint
		wantErr bool
	}{
		{
			name: "sparse versions",
			fsys: fstest.MapFS{
				"m/1_init.up.sql":    {Data: []byte("CREATE TABLE a (x);")},
				"m/1_init.down.sql":  {Data: []byte("DROP TABLE a;")},
				"m/20_more.up.sql":   {Data: []byte("CREATE TABLE b (x);")},
				"m/20_more.down.sql": {Data: []byte("DROP TABLE b;")},
			},
			want: 20,
		},
		{
			name: "unrelated files are ignored",
			fsys: fstest.MapFS{
				"m/README.md":     {Data: []byte("notes")},
				"m/3_init.up.sql": {Data: []byte("CREATE TABLE a (x);")},
			},
			want: 3,
		},
		{
			name: "no migrations",
			fsys: fstest.MapFS{
				"m/README.md": {Data: []byte("notes")},
			},
			wantErr: true,
		},
		{
			name:    "missing directory",
			fsys:    fstest.MapFS{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.fsys, "m")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.LatestVersion())
		})
	}
}
