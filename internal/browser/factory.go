// Package browser selects the browser driver a session runs against.
package browser

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/cdp"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/purego"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

// Factory creates one exclusive browser per session using the configured driver.
type Factory struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

var _ schemas.BrowserFactory = (*Factory)(nil)

// NewFactory validates the driver name and returns a factory for it.
func NewFactory(cfg config.BrowserConfig, logger *zap.Logger) (*Factory, error) {
	switch cfg.Driver {
	case config.DriverChromedp, config.DriverPureGo:
	case "":
		cfg.Driver = config.DriverChromedp
	default:
		return nil, schemas.Errorf(schemas.ErrCodeConfig, "browser.NewFactory", "unknown browser driver %q", cfg.Driver)
	}
	return &Factory{cfg: cfg, logger: logger.Named("browser")}, nil
}

// NewBrowser launches a fresh browser context.
func (f *Factory) NewBrowser(ctx context.Context) (schemas.Browser, error) {
	switch f.cfg.Driver {
	case config.DriverPureGo:
		b, err := purego.New(f.cfg, f.logger)
		if err != nil {
			return nil, schemas.NewError(schemas.ErrCodeProvider, "browser.NewBrowser", err)
		}
		return b, nil
	default:
		b, err := cdp.New(ctx, f.cfg, f.logger)
		if err != nil {
			return nil, schemas.NewError(schemas.ErrCodeProvider, "browser.NewBrowser", fmt.Errorf("chromedp: %w", err))
		}
		return b, nil
	}
}

// Driver reports the driver this factory launches.
func (f *Factory) Driver() string { return f.cfg.Driver }
