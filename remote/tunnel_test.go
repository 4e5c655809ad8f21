package remote

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseServer(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    ServerDef
		wantErr bool
	}{
		{
			name: "user and host",
			in:   "anton@db.example.com",
			want: ServerDef{
				User: "anton", Host: "db.example.com", Port: 22,
				KeyFile: "~/.ssh/id_rsa", RemoteHost: "127.0.0.1", RemotePort: 3306,
			},
		},
		{
			name: "explicit ssh port",
			in:   "ubuntu@10.0.1.153:2222",
			want: ServerDef{
				User: "ubuntu", Host: "10.0.1.153", Port: 2222,
				KeyFile: "~/.ssh/id_rsa", RemoteHost: "127.0.0.1", RemotePort: 3306,
			},
		},
		{name: "missing user", in: "db.example.com", wantErr: true},
		{name: "empty host", in: "anton@", wantErr: true},
		{name: "bad port", in: "anton@host:abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServer(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
