package accept

import (
	"context"
	"testing"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateApplicationRequiresProvisionedType(t *testing.T) {
	h := newHarness(t)

	_, err := h.p.CreateApplication(context.Background(), h.hdr(), CreateApplicationRequest{
		Name:        types.MustParseName("app:/web"),
		TypeName:    "web",
		TypeVersion: "1.0",
	})
	assert.ErrorIs(t, err, errdefs.ApplicationTypeNotFound)
	assert.Equal(t, uint64(0), h.lastSequence(t))
}

func TestCreateApplicationTwice(t *testing.T) {
	h := newHarness(t)
	h.provisionType(t, "web", "1.0")
	name := h.createApp(t, "app:/web", "web", "1.0", nil)

	seq := h.lastSequence(t)
	_, err := h.p.CreateApplication(context.Background(), h.hdr(), CreateApplicationRequest{
		Name:        name,
		TypeName:    "web",
		TypeVersion: "1.0",
	})
	assert.ErrorIs(t, err, errdefs.ApplicationAlreadyExists)
	assert.Equal(t, seq, h.lastSequence(t))
}

func TestCreateApplicationValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.p.CreateApplication(context.Background(), h.hdr(), CreateApplicationRequest{TypeName: "web", TypeVersion: "1.0"})
	assert.ErrorIs(t, err, errdefs.NotValid)

	_, err = h.p.CreateApplication(context.Background(), h.hdr(), CreateApplicationRequest{Name: types.MustParseName("app:/web")})
	assert.ErrorIs(t, err, errdefs.NotValid)
}

func TestUpdateAndDeleteApplication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provisionType(t, "web", "1.0")
	name := h.createApp(t, "app:/web", "web", "1.0", map[string]string{"replicas": "1"})

	c, err := h.p.UpdateApplication(ctx, h.hdr(), name, map[string]string{"replicas": "3"})
	require.NoError(t, err)
	assert.Equal(t, "3", c.Application.Parameters["replicas"])

	_, err = h.p.DeleteApplication(ctx, h.hdr(), name)
	require.NoError(t, err)
	_, err = h.p.GetContext(types.KindApplication, name.String())
	assert.ErrorIs(t, err, errdefs.NotFound)

	_, err = h.p.DeleteApplication(ctx, h.hdr(), name)
	assert.ErrorIs(t, err, errdefs.ApplicationNotFound)
}

func TestProvisionAndUnprovisionType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provisionType(t, "web", "1.0")

	_, err := h.p.ProvisionApplicationType(ctx, h.hdr(), "web", "1.0", "")
	assert.ErrorIs(t, err, errdefs.ApplicationTypeAlreadyExists)

	h.createApp(t, "app:/web", "web", "1.0", nil)
	_, err = h.p.UnprovisionApplicationType(ctx, h.hdr(), "web", "1.0")
	assert.ErrorIs(t, err, errdefs.TypeInUse)

	_, err = h.p.UnprovisionApplicationType(ctx, h.hdr(), "web", "2.0")
	assert.ErrorIs(t, err, errdefs.ApplicationTypeNotFound)

	h.provisionType(t, "web", "2.0")
	c, err := h.p.UnprovisionApplicationType(ctx, h.hdr(), "web", "2.0")
	require.NoError(t, err)
	assert.Nil(t, c)
	_, err = h.p.GetContext(types.KindApplicationType, types.ApplicationTypeKey("web", "2.0"))
	assert.ErrorIs(t, err, errdefs.NotFound)
}
