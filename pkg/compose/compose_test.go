package compose

import (
	"testing"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webAndDB = `
services:
  web:
    image: nginx:1.27
    ports: ["8080:80"]
  db:
    image: postgres:16
`

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		flavor  Flavor
		content string
		wantErr bool
	}{
		{name: "compose with two services", flavor: FlavorCompose, content: webAndDB},
		{
			name:   "single instance",
			flavor: FlavorSingleInstance,
			content: `
services:
  api:
    image: api:1
    replicas: 1
`,
		},
		{name: "single instance with two services", flavor: FlavorSingleInstance, content: webAndDB, wantErr: true},
		{name: "no services", flavor: FlavorCompose, content: "services: {}\n", wantErr: true},
		{
			name:    "missing image",
			flavor:  FlavorCompose,
			content: "services:\n  web:\n    ports: [\"80\"]\n",
			wantErr: true,
		},
		{
			name:    "unknown field",
			flavor:  FlavorCompose,
			content: "services:\n  web:\n    image: a\n    volumes: [x]\n",
			wantErr: true,
		},
		{
			name:    "bad port",
			flavor:  FlavorCompose,
			content: "services:\n  web:\n    image: a\n    ports: [\"http\"]\n",
			wantErr: true,
		},
		{
			name:    "duplicate host port",
			flavor:  FlavorCompose,
			content: "services:\n  a:\n    image: a\n    ports: [\"80:80\"]\n  b:\n    image: b\n    ports: [\"80:81\"]\n",
			wantErr: true,
		},
		{
			name:    "single instance with replicas",
			flavor:  FlavorSingleInstance,
			content: "services:\n  a:\n    image: a\n    replicas: 3\n",
			wantErr: true,
		},
		{name: "not yaml", flavor: FlavorCompose, content: "services: [", wantErr: true},
	}

	v := YAMLValidator{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := v.Validate(tt.flavor, tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.NotValid)
				assert.Nil(t, desc)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, desc.Services)
		})
	}
}

func TestIsUpgradeCompatible(t *testing.T) {
	v := YAMLValidator{}
	current, err := v.Validate(FlavorCompose, webAndDB)
	require.NoError(t, err)

	newImage, err := v.Validate(FlavorCompose, `
services:
  db:
    image: postgres:17
  web:
    image: nginx:1.28
    ports: ["8080:80"]
`)
	require.NoError(t, err)
	assert.True(t, v.IsUpgradeCompatible(current, newImage))

	newPort, err := v.Validate(FlavorCompose, `
services:
  db:
    image: postgres:16
  web:
    image: nginx:1.27
    ports: ["9090:80"]
`)
	require.NoError(t, err)
	assert.False(t, v.IsUpgradeCompatible(current, newPort))

	fewerServices, err := v.Validate(FlavorCompose, "services:\n  web:\n    image: nginx\n    ports: [\"8080:80\"]\n")
	require.NoError(t, err)
	assert.False(t, v.IsUpgradeCompatible(current, fewerServices))
	assert.False(t, v.IsUpgradeCompatible(nil, current))
}

func TestParsePort(t *testing.T) {
	p, err := ParsePort("8080:80")
	require.NoError(t, err)
	assert.Equal(t, PortMapping{HostPort: 8080, ContainerPort: 80}, p)

	p, err = ParsePort("443")
	require.NoError(t, err)
	assert.Equal(t, PortMapping{ContainerPort: 443}, p)

	_, err = ParsePort("0:80")
	assert.ErrorIs(t, err, errdefs.NotValid)
	_, err = ParsePort("80:70000")
	assert.ErrorIs(t, err, errdefs.NotValid)
}
