package internal

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// RemoveHeaderFooterCrop crops top and bottom margins (in points, 1/72 inch)
// off every page of inputPath and writes the result to outputPath.
func RemoveHeaderFooterCrop(inputPath, outputPath string, top, bottom float64) error {
	if top < 0 || bottom < 0 {
		return fmt.Errorf("crop margins must not be negative: top=%.2f bottom=%.2f", top, bottom)
	}
	conf := api.LoadConfiguration()

	box, err := model.ParseBox(fmt.Sprintf("%.2f 0 %.2f 0", top, bottom), types.POINTS)
	if err != nil {
		return fmt.Errorf("failed to parse crop box: %w", err)
	}

	if err := api.CropFile(inputPath, outputPath, []string{"1-"}, box, conf); err != nil {
		return fmt.Errorf("failed to crop PDF: %w", err)
	}
	return nil
}
