package deck

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ocrBinary resolves the OCR executable: OCR_BINARY env wins, otherwise
// tesseract is expected on PATH.
func ocrBinary() string {
	if bin := os.Getenv("OCR_BINARY"); bin != "" {
		return bin
	}
	return "tesseract"
}

// ocrExec shells out to tesseract for one PNG capture.
func ocrExec(ctx context.Context, png []byte) (string, error) {
	tmp, err := os.CreateTemp("", "slide-*.png")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOCR, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(png); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrOCR, err)
	}
	tmp.Close()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, ocrBinary(), tmp.Name(), "stdout", "-l", "eng")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s: %v: %s",
			ErrOCR, filepath.Base(ocrBinary()), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
