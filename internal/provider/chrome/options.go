package chrome

import "github.com/chromedp/chromedp"

// Options configure how the built-in strategies launch Chrome.
type Options struct {
	// ExecPath overrides browser binary discovery.
	ExecPath string

	// Headful disables headless mode (useful when debugging tasks).
	Headful bool

	// NoSandbox disables the Chrome sandbox; required in most containers.
	NoSandbox bool

	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string

	// ExtraFlags are appended as --key=value switches.
	ExtraFlags map[string]string
}

func (o Options) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	if o.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if o.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if o.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(o.UserAgent))
	}
	for k, v := range o.ExtraFlags {
		opts = append(opts, chromedp.Flag(k, v))
	}
	return opts
}
