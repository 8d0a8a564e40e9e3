// Package browser provides the drivers that read target values and perform
// rule actions: a Chrome DevTools driver for dynamic pages and a plain HTTP
// driver for server-rendered ones.
package browser

import (
	"fmt"
	"strings"

	"pagewatch/internal/config"
	"pagewatch/internal/database"
	"pagewatch/internal/monitoring"
)

// New builds the driver selected by cfg.Driver.
func New(cfg config.BrowserConfig) (monitoring.Driver, error) {
	switch cfg.Driver {
	case "chrome":
		d, err := NewChromeDriver(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "http":
		d, err := NewHTTPDriver(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
}

// cssFor translates a selector into a CSS query. XPath selectors are
// returned unchanged and must be resolved by the caller.
func cssFor(selector string, selectorType database.SelectorType) string {
	switch selectorType {
	case database.SelectorID:
		return fmt.Sprintf("[id=%q]", selector)
	case database.SelectorClass:
		return "." + strings.Join(strings.Fields(selector), ".")
	case database.SelectorName:
		return fmt.Sprintf("[name=%q]", selector)
	}
	return selector
}
