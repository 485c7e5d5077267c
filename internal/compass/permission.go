package compass

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/qibla-dash/internal/sensor"
	"github.com/shaunagostinho/qibla-dash/internal/store"
)

// PermissionChoice is the user's answer to the in-app location dialog shown
// before the platform permission request.
type PermissionChoice int

const (
	// ChoiceNotNow declines for this session only.
	ChoiceNotNow PermissionChoice = iota
	// ChoiceDontAskAgain declines and persists the dismissal.
	ChoiceDontAskAgain
	// ChoiceAllow proceeds to the platform request.
	ChoiceAllow
)

func (c PermissionChoice) String() string {
	switch c {
	case ChoiceDontAskAgain:
		return "dont_ask_again"
	case ChoiceAllow:
		return "allow"
	default:
		return "not_now"
	}
}

// ParsePermissionChoice parses the String form of a PermissionChoice.
func ParsePermissionChoice(v string) (PermissionChoice, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "not_now":
		return ChoiceNotNow, nil
	case "dont_ask_again", "never":
		return ChoiceDontAskAgain, nil
	case "allow":
		return ChoiceAllow, nil
	}
	return ChoiceNotNow, errors.Errorf("unknown permission choice %q", v)
}

// Prompter shows the in-app dialog and blocks until the user answers.
type Prompter interface {
	Ask(ctx context.Context) (PermissionChoice, error)
}

// StaticPrompter answers every dialog with the same choice. It serves
// headless deployments.
type StaticPrompter struct {
	Choice PermissionChoice
}

func (p StaticPrompter) Ask(ctx context.Context) (PermissionChoice, error) {
	return p.Choice, nil
}

// locationPermission runs the permission flow for GPS heading sources.
// explicit is set when the user picked a GPS method by hand.
func (e *Engine) locationPermission(ctx context.Context, explicit bool) bool {
	status, err := e.loc.PermissionStatus(ctx)
	if err != nil {
		e.logger.Warnf("location permission status: %v", err)
		return false
	}
	if status == sensor.PermissionGranted {
		return true
	}

	saved, err := e.store.Has(store.KeySavedLocation)
	if err != nil {
		e.logger.Warnf("read %s: %v", store.KeySavedLocation, err)
	}
	if !saved {
		// First run: the in-app dialog is never shown before a location
		// has been saved.
		if !explicit {
			e.logger.Infof("no saved location yet, not asking for location permission")
			return false
		}
		return e.requestLocationPermission(ctx)
	}

	dismissed, err := e.store.Bool(store.KeyPermissionDialogDismissed)
	if err != nil {
		e.logger.Warnf("read %s: %v", store.KeyPermissionDialogDismissed, err)
	}
	if dismissed {
		e.logger.Infof("location dialog dismissed earlier, skipping GPS heading")
		return false
	}

	choice, err := e.prompter.Ask(ctx)
	if err != nil {
		e.logger.Warnf("location dialog: %v", err)
		return false
	}
	e.logger.Infof("location dialog answered %s", choice)

	switch choice {
	case ChoiceDontAskAgain:
		if err := e.store.SetBool(store.KeyPermissionDialogDismissed, true); err != nil {
			e.logger.Warnf("persist dialog dismissal: %v", err)
		}
		return false
	case ChoiceAllow:
		return e.requestLocationPermission(ctx)
	default:
		return false
	}
}

func (e *Engine) requestLocationPermission(ctx context.Context) bool {
	status, err := e.loc.RequestPermission(ctx)
	if err != nil {
		e.logger.Warnf("request location permission: %v", err)
		return false
	}
	if status != sensor.PermissionGranted {
		e.logger.Infof("location permission %s", status)
		return false
	}
	return true
}
