package stages

import (
	_ "embed"
	"fmt"
	"html/template"
	"os"
)

// threeBase is the CDN location of the three.js release the viewer loads.
const threeBase = "https://cdn.jsdelivr.net/npm/three@0.150.0"

//go:embed viewer.html.tmpl
var viewerSource string

var viewerTemplate = template.Must(template.New("viewer").Parse(viewerSource))

type viewerData struct {
	Title     string
	Model     string
	ThreeBase string
}

// WriteViewer writes a standalone HTML page that renders the glTF file model,
// which must sit next to path.
func WriteViewer(path, model, name string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	err = viewerTemplate.Execute(f, viewerData{
		Title:     fmt.Sprintf("3D Model Viewer - %s", name),
		Model:     model,
		ThreeBase: threeBase,
	})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}
