// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for user-supplied
// identifiers.
//
// Dataset and version identifiers are used in store keys and vector-database
// filters, so they are restricted to a conservative character set to prevent
// key collisions and filter injection.
package validation

import (
	"fmt"
	"regexp"
)

// identifierPattern matches valid dataset/version identifiers.
// Allows: letters, digits, underscores, hyphens, dots. Max 64 characters.
// Colons are excluded because the store uses ':' as a key separator.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateDatasetID validates a dataset identifier.
//
// Valid identifiers:
//   - 1-64 characters
//   - letters, digits, dots, underscores, hyphens
//   - must start with a letter or digit
//
// Returns an error if the identifier is invalid.
func ValidateDatasetID(id string) error {
	if id == "" {
		return fmt.Errorf("dataset_id cannot be empty")
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid dataset_id: %q (must be 1-64 alphanumeric chars, dots, underscores, or hyphens)", id)
	}
	return nil
}

// ValidateVersion validates a version label. Versions share the identifier
// character set; they are opaque and carry no ordering beyond lineage
// pointers.
func ValidateVersion(version string) error {
	if version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if !identifierPattern.MatchString(version) {
		return fmt.Errorf("invalid version: %q (must be 1-64 alphanumeric chars, dots, underscores, or hyphens)", version)
	}
	return nil
}

// IsIdentifier reports whether s matches the identifier character set.
// Used by the gin binding hook as well as the Validate* functions.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ValidateVersionKey validates a (dataset_id, version) pair in one call.
func ValidateVersionKey(datasetID, version string) error {
	if err := ValidateDatasetID(datasetID); err != nil {
		return err
	}
	return ValidateVersion(version)
}
