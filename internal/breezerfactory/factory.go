// Package breezerfactory selects a link-handle implementation for a
// supported Tion model. Model dispatch happens exactly once, here, at
// construction time.
package breezerfactory

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/erukolya/tionlink/internal/breezer"
	"github.com/erukolya/tionlink/internal/breezer/goble"
)

// SupportedModels lists the model names New accepts (case-insensitive).
var SupportedModels = []string{"S3", "S4", "Lite"}

// New creates a link handle for the given model and device address.
func New(model, address string, logger *logrus.Logger) (breezer.Breezer, error) {
	switch strings.ToUpper(strings.TrimSpace(model)) {
	case "S3", "3S":
		return goble.NewS3(address, logger), nil
	case "S4", "4S":
		return goble.NewS4(address, logger), nil
	case "LITE":
		return goble.NewLite(address, logger), nil
	default:
		return nil, fmt.Errorf("unsupported Tion model %q (supported: %s)", model, strings.Join(SupportedModels, ", "))
	}
}

// NewFactory returns a breezer.Factory bound to one model and address, for
// use by the session's hard-reset path.
func NewFactory(model, address string, logger *logrus.Logger) (breezer.Factory, error) {
	// Validate the model once up front so later hard resets cannot fail
	// on a bad name.
	if _, err := New(model, address, logger); err != nil {
		return nil, err
	}
	return func() (breezer.Breezer, error) {
		return New(model, address, logger)
	}, nil
}
