// conf/validate.go

package conf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateProcessingSettings(&settings.Processing); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateLagCalcSettings(&settings.LagCalc); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateOutputSettings(settings); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateProcessingSettings validates the waveform preparation settings
func validateProcessingSettings(settings *ProcessingConfig) error {
	var errs []string

	if settings.Workers < 0 {
		errs = append(errs, "Processing workers must be at least 0")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateLagCalcSettings validates the pick refinement settings
func validateLagCalcSettings(settings *LagCalcConfig) error {
	var errs []string

	if settings.ShiftLen <= 0 {
		errs = append(errs, "LagCalc shiftlen must be greater than 0 seconds")
	}

	if settings.MinCC < 0 || settings.MinCC > 1 {
		errs = append(errs, "LagCalc mincc must be between 0 and 1")
	}

	if settings.MinCCFromMeanFactor < 0 {
		errs = append(errs, "LagCalc minccfrommeanfactor must be at least 0")
	}

	if settings.Workers < 0 {
		errs = append(errs, "LagCalc workers must be at least 0")
	}

	// Channel suffix classes must not overlap or picks would be ambiguous
	vertical := make(map[string]bool, len(settings.VerticalChans))
	for _, c := range settings.VerticalChans {
		vertical[c] = true
	}
	for _, c := range settings.HorizontalChans {
		if vertical[c] {
			errs = append(errs, fmt.Sprintf("LagCalc channel suffix %q cannot be both horizontal and vertical", c))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateOutputSettings validates the output settings
func validateOutputSettings(settings *Settings) error {
	var errs []string

	if settings.Output.File.Enabled {
		switch settings.Output.File.Type {
		case "table", "csv", "json":
		default:
			errs = append(errs, fmt.Sprintf("Output file type %q must be table, csv or json", settings.Output.File.Type))
		}
		if settings.Output.File.Path == "" {
			errs = append(errs, "Output file path must not be empty when file output is enabled")
		}
	}

	if settings.Output.SQLite.Enabled && settings.Output.SQLite.Path == "" {
		errs = append(errs, "Output sqlite path must not be empty when sqlite output is enabled")
	}

	if settings.Output.MySQL.Enabled {
		if settings.Output.MySQL.Database == "" {
			errs = append(errs, "Output mysql database must not be empty when mysql output is enabled")
		}
		if settings.Output.MySQL.Host == "" {
			errs = append(errs, "Output mysql host must not be empty when mysql output is enabled")
		}
		if port, err := strconv.Atoi(settings.Output.MySQL.Port); err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("Output mysql port %q must be a number between 1 and 65535", settings.Output.MySQL.Port))
		}
	}

	if settings.Output.SQLite.Enabled && settings.Output.MySQL.Enabled {
		errs = append(errs, "Only one database output can be enabled at a time")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
