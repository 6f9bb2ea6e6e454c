package batch

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"

	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/position"
)

// assemblePDF wraps one rendered raster into a single-page PDF sized to
// the physical format. The image is placed full-bleed; print vendors trim
// from the document edge.
func assemblePDF(raster []byte, f position.Format) ([]byte, error) {
	doc := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: f.WidthPt, Ht: f.HeightPt},
	})
	doc.SetMargins(0, 0, 0)
	doc.SetAutoPageBreak(false, 0)
	doc.AddPage()

	const name = "page"
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	doc.RegisterImageOptionsReader(name, opts, bytes.NewReader(raster))
	doc.ImageOptions(name, 0, 0, f.WidthPt, f.HeightPt, false, opts, 0, "")

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, errors.Wrap(errors.ErrCodeAssembly, err, "write pdf")
	}
	return buf.Bytes(), nil
}

// documentName builds the archive entry name for one recipient. Names are
// sanitized and suffixed with the recipient's index so collisions between
// same-named recipients are impossible.
func documentName(index int, fullName, trackingID string) string {
	base := errors.SanitizeFilename(fullName)
	if trackingID != "" {
		base = base + "_" + errors.SanitizeFilename(trackingID)
	}
	return fmt.Sprintf("%s_%04d.pdf", base, index)
}
