package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid relative path",
			path:    "data/meshrelay.db",
			wantErr: false,
		},
		{
			name:    "valid absolute path",
			path:    "/var/lib/meshrelay/meshrelay.db",
			wantErr: false,
		},
		{
			name:    "empty path",
			path:    "",
			wantErr: true,
			errMsg:  "file path cannot be empty",
		},
		{
			name:    "directory traversal",
			path:    "../../../etc/passwd",
			wantErr: true,
			errMsg:  "path contains directory traversal",
		},
		{
			name:    "hidden traversal after cleaning",
			path:    "data/../../secrets",
			wantErr: true,
			errMsg:  "path contains directory traversal",
		},
		{
			name:    "NUL byte",
			path:    "data/mesh\x00relay.db",
			wantErr: true,
			errMsg:  "file path contains NUL byte",
		},
		{
			name:    "inner dots are not traversal",
			path:    "data/meshrelay..db",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithBase(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		baseDir string
		wantErr bool
	}{
		{
			name:    "path inside base",
			path:    "queues/pending.db",
			baseDir: "/var/lib/meshrelay",
			wantErr: false,
		},
		{
			name:    "absolute path rejected",
			path:    "/etc/passwd",
			baseDir: "/var/lib/meshrelay",
			wantErr: true,
		},
		{
			name:    "escape via traversal rejected",
			path:    "queues/../../../etc/passwd",
			baseDir: "/var/lib/meshrelay",
			wantErr: true,
		},
		{
			name:    "base itself",
			path:    ".",
			baseDir: "/var/lib/meshrelay",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithBase(tt.path, tt.baseDir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
