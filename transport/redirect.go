package transport

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultSignInPath is where users are sent when their session cannot be recovered.
const DefaultSignInPath = "/signin"

// ValidateRedirect accepts only internal relative paths.
func ValidateRedirect(target string) error {
	switch {
	case target == "":
		return fmt.Errorf("%w: empty target", ErrUnsafeRedirect)
	case !strings.HasPrefix(target, "/"):
		return fmt.Errorf("%w: %q is not an absolute path", ErrUnsafeRedirect, target)
	case strings.HasPrefix(target, "//"):
		return fmt.Errorf("%w: %q is protocol-relative", ErrUnsafeRedirect, target)
	case strings.ContainsAny(target, "\\\r\n\t"):
		return fmt.Errorf("%w: %q contains forbidden characters", ErrUnsafeRedirect, target)
	}

	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeRedirect, err)
	}
	if u.Scheme != "" || u.Host != "" {
		return fmt.Errorf("%w: %q is not internal", ErrUnsafeRedirect, target)
	}
	return nil
}

// Navigator moves the user to another surface of the application.
type Navigator interface {
	Navigate(path string) error
	// Current returns the surface currently shown.
	Current() string
}

// Redirector sends the user to the sign-in surface. It must not be copied
// after first use.
type Redirector struct {
	Navigator Navigator
	Target    string
	Logger    logrus.FieldLogger

	// mu makes the Current check and the Navigate call one step.
	mu sync.Mutex
}

// ToSignIn navigates to the sign-in target. It reports whether a navigation
// happened; it is skipped when the user is already there. An unsafe target is
// never followed.
func (r *Redirector) ToSignIn() (bool, error) {
	if r == nil || r.Navigator == nil {
		return false, nil
	}
	logger := r.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	target := r.Target
	if target == "" {
		target = DefaultSignInPath
	}
	if err := ValidateRedirect(target); err != nil {
		logger.WithError(err).WithField("target", target).Error("refusing to redirect")
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Navigator.Current() == target {
		return false, nil
	}
	if err := r.Navigator.Navigate(target); err != nil {
		logger.WithError(err).WithField("target", target).Warn("redirect failed")
		return false, fmt.Errorf("failed to navigate to %s: %w", target, err)
	}
	return true, nil
}
