// Package pinfile parses the declarative pin file: a JSON document mapping
// pin names to the URLs and content checksums of external artifacts.
package pinfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/srcpin/srcpin/api"
	"github.com/srcpin/srcpin/integrity"
)

// Pinfile describes the JSON pin file format.
type Pinfile map[string]Entry

// Entry describes a single pin in the (JSON) pin file.
type Entry struct {
	// URLs is a list of mirror urls pointing to the same artifact.
	URLs []string `json:"urls"`
	// Integrity is a string or a list of strings containing the expected
	// checksums of the artifact. Both SRI ("sha256-<base64>") and
	// "<algorithm>:<hex>" forms are accepted.
	// When a list is used, only one checksum per algorithm is allowed,
	// and all checksums must be of the same data.
	Integrity json.RawMessage `json:"integrity"`
	// Size is the (optional) size of the artifact in bytes.
	// If provided, the size is known before the artifact is fetched.
	Size *int64 `json:"size,omitempty"`
}

func (e *Entry) integrityStrings() ([]string, error) {
	var list []string
	var single string
	if err := json.Unmarshal(e.Integrity, &list); err == nil {
		// do nothing - the integrity is already parsed
	} else if err := json.Unmarshal(e.Integrity, &single); err == nil {
		list = []string{single}
	} else {
		return nil, errors.New(`"integrity" must be a string or a list of strings`)
	}
	return list, nil
}

func (p Pinfile) validate() error {
	if len(p) == 0 {
		return errors.New("empty pin file")
	}
	issues := []string{}
	for name, entry := range p {
		issuesForPin := []string{}
		if len(name) == 0 {
			issuesForPin = append(issuesForPin, "pin name must be non-empty")
		}
		if len(entry.URLs) == 0 {
			issuesForPin = append(issuesForPin, "entry must have at least one URL")
		} else {
			for _, url := range entry.URLs {
				if len(url) == 0 {
					issuesForPin = append(issuesForPin, `"url" must be a non-empty string`)
				} else if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
					// allow other schemes in the future
					issuesForPin = append(issuesForPin, `"url" must start with "http://" or "https://"`)
				}
			}
		}
		sriList, err := entry.integrityStrings()
		if err != nil {
			issuesForPin = append(issuesForPin, err.Error())
		} else if len(sriList) == 0 {
			issuesForPin = append(issuesForPin, `"integrity" may not be empty`)
		}
		if entry.Size != nil && *entry.Size < 0 {
			issuesForPin = append(issuesForPin, `"size" must be a non-negative integer`)
		}
		if len(issuesForPin) > 0 {
			issues = append(issues, name+": "+strings.Join(issuesForPin, ", "))
		}
	}
	if len(issues) > 0 {
		sort.Strings(issues)
		return errors.New("pin file validation failed: \n  " + strings.Join(issues, "\n  "))
	}
	return nil
}

// DecodeError marks a pin file that could not be parsed as JSON,
// as opposed to one that parsed but failed validation.
type DecodeError struct {
	cause error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decoding pin file: %v", e.cause)
}

func (e DecodeError) Unwrap() error { return e.cause }

// PinSet is the parsed, validated form of a pin file:
// immutable locators by name.
type PinSet struct {
	Pins map[string]api.Pin
}

// Names returns the pin names in stable order.
func (s PinSet) Names() []string {
	names := make([]string, 0, len(s.Pins))
	for name := range s.Pins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse reads a pin file and turns every entry into a locator.
func Parse(reader io.Reader) (PinSet, error) {
	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	var pinfile Pinfile
	if err := decoder.Decode(&pinfile); err != nil {
		return PinSet{}, DecodeError{cause: err}
	}
	if err := pinfile.validate(); err != nil {
		return PinSet{}, err
	}

	set := PinSet{Pins: make(map[string]api.Pin, len(pinfile))}
	for name, entry := range pinfile {
		sriList, err := entry.integrityStrings()
		if err != nil {
			return PinSet{}, fmt.Errorf("building pin %s: %w", name, err)
		}
		pinIntegrity, err := integrity.IntegrityFromString(sriList...)
		if err != nil {
			return PinSet{}, fmt.Errorf("building pin %s: %w", name, err)
		}
		pin := api.Pin{
			URLs:      entry.URLs,
			Integrity: pinIntegrity,
			SizeHint:  -1,
		}
		if entry.Size != nil {
			pin.SizeHint = *entry.Size
		}
		set.Pins[name] = pin
	}

	return set, nil
}
