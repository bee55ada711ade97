package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.climref.org/infra/ref/go/requirements"
)

type fakeDiagnostic struct {
	slug string
}

func (d *fakeDiagnostic) Slug() string                                   { return d.slug }
func (d *fakeDiagnostic) DataRequirements() []requirements.DataRequirement { return nil }
func (d *fakeDiagnostic) Facets() []string                               { return nil }
func (d *fakeDiagnostic) Execute(context.Context, *ExecutionDefinition) error {
	return nil
}
func (d *fakeDiagnostic) BuildExecutionResult(*ExecutionDefinition) (*ExecutionResult, error) {
	return nil, nil
}

type fakeProvider struct {
	slug  string
	diags []Diagnostic
}

func (p *fakeProvider) Slug() string              { return p.slug }
func (p *fakeProvider) Version() string           { return "0.1.0" }
func (p *fakeProvider) Diagnostics() []Diagnostic { return p.diags }

func TestRegistry(t *testing.T) {
	pcmdi := &fakeProvider{slug: "pcmdi", diags: []Diagnostic{&fakeDiagnostic{slug: "enso"}}}
	ilamb := &fakeProvider{slug: "ilamb"}
	r, err := NewRegistry(pcmdi, ilamb)
	require.NoError(t, err)

	providers := r.Providers()
	require.Len(t, providers, 2)
	assert.Equal(t, "ilamb", providers[0].Slug())
	assert.Equal(t, "pcmdi", providers[1].Slug())

	p, err := r.Provider("pcmdi")
	require.NoError(t, err)
	assert.Equal(t, "pcmdi", p.Slug())
	_, err = r.Provider("nope")
	require.Error(t, err)

	p, d, err := r.Diagnostic("pcmdi/enso")
	require.NoError(t, err)
	assert.Equal(t, "pcmdi", p.Slug())
	assert.Equal(t, "enso", d.Slug())

	_, _, err = r.Diagnostic("pcmdi/nope")
	require.Error(t, err)
	_, _, err = r.Diagnostic("not-qualified")
	require.Error(t, err)
}

func TestNewRegistry_DuplicateSlug(t *testing.T) {
	_, err := NewRegistry(&fakeProvider{slug: "p"}, &fakeProvider{slug: "p"})
	require.Error(t, err)
}
