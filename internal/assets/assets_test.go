package assets_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"formbot/internal/assets"
	"formbot/internal/form"
	"formbot/internal/locale"
	"formbot/internal/orchestrator"
	"formbot/internal/validate"
)

func TestEmbeddedAssetsLoad(t *testing.T) {
	reg := validate.NewRegistry()
	catalog, err := form.LoadFS(assets.Forms(), reg)
	require.NoError(t, err)
	kg, ok := catalog.Lookup("kindergeld")
	require.True(t, ok)
	require.Equal(t, "form_kindergeld", kg.TitleKey)

	res, err := locale.LoadFS(assets.Locales(), "de", []string{"de", "en", "sq"})
	require.NoError(t, err)
	require.Equal(t, []string{"de", "en", "sq"}, res.Languages())

	_, err = orchestrator.New(catalog, res, reg, orchestrator.Config{})
	require.NoError(t, err)

	keys := append(orchestrator.Keys(), catalog.Keys()...)
	keys = append(keys, reg.ReasonKeys()...)
	for _, lang := range []string{"de", "en"} {
		for _, k := range keys {
			require.True(t, res.Has(lang, k), "%s misses %s", lang, k)
		}
	}
}

func TestEmbeddedHintWords(t *testing.T) {
	res, err := locale.LoadFS(assets.Locales(), "de", nil)
	require.NoError(t, err)
	require.Equal(t, "en", res.Detect("Hello there"))
	require.Equal(t, "sq", res.Detect("Tung, si je?"))
	require.Equal(t, "de", res.Detect("Guten Tag zusammen"))
}
