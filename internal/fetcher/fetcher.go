// Package fetcher defines how a rendered schedule page is obtained for an
// address. Implementations live in subpackages.
package fetcher

import (
	"context"
	"errors"
	"fmt"
)

// Request identifies the address to look up.
type Request struct {
	// AddressID names per-address artifacts such as the screenshot file.
	AddressID string
	City      string
	Street    string
	House     string
}

func (r Request) String() string {
	return fmt.Sprintf("%s, %s %s", r.City, r.Street, r.House)
}

// Page is the result of one successful fetch.
type Page struct {
	HTML string
	// ScreenshotPath is the captured image, or "" when none was written.
	ScreenshotPath string
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Page, error)
}

// Steps reported in FetchError.
const (
	StepBrowser    = "browser"
	StepNavigate   = "navigate"
	StepCity       = "city"
	StepStreet     = "street"
	StepHouse      = "house"
	StepResult     = "result"
	StepCapture    = "capture"
	StepScreenshot = "screenshot"
)

// FetchError reports which step of a fetch failed.
type FetchError struct {
	Step string
	Err  error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("fetch %s: %v", e.Step, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline rather than a page
// problem.
func (e *FetchError) Timeout() bool {
	return e != nil && errors.Is(e.Err, context.DeadlineExceeded)
}

// StepOf returns the failed step of err, or "" when err is not a FetchError.
func StepOf(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Step
	}
	return ""
}
