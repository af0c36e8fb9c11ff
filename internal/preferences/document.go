package preferences

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const (
	// KeyAnnounceGets controls whether a user's wins are announced by name.
	KeyAnnounceGets = "announce_gets"
	// KeyLeaderboardHidden removes the user from leaderboards rendered for other viewers.
	KeyLeaderboardHidden = "leaderboard_hidden"

	maxKeyLength = 64
)

// ErrInvalidPreference indicates a partial document that cannot be stored.
var ErrInvalidPreference = errors.New("preferences: invalid preference")

// Document is a user's structured settings. Unknown keys are kept verbatim.
type Document map[string]any

// Settings is the typed view over the keys that influence behaviour.
type Settings struct {
	AnnounceGets      bool
	LeaderboardHidden bool
}

// Settings decodes the recognised keys, falling back to defaults for missing or mistyped values.
func (d Document) Settings() Settings {
	settings := Settings{AnnounceGets: true}
	if value, ok := d[KeyAnnounceGets].(bool); ok {
		settings.AnnounceGets = value
	}
	if value, ok := d[KeyLeaderboardHidden].(bool); ok {
		settings.LeaderboardHidden = value
	}
	return settings
}

func (d Document) clone() Document {
	copied := make(Document, len(d))
	for key, value := range d {
		copied[key] = value
	}
	return copied
}

// Limits bounds the shape of stored documents.
type Limits struct {
	MaxBytes int
	MaxDepth int
}

// normalize validates the document and returns its canonical JSON form.
func normalize(document Document, limits Limits) (Document, []byte, error) {
	for key, value := range document {
		if key == "" || len(key) > maxKeyLength {
			return nil, nil, fmt.Errorf("%w: key %q length must be 1..%d", ErrInvalidPreference, key, maxKeyLength)
		}
		if err := validateValue(value, 1, limits.MaxDepth); err != nil {
			return nil, nil, fmt.Errorf("%w: key %q: %v", ErrInvalidPreference, key, err)
		}
	}
	encoded, err := json.Marshal(map[string]any(document))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPreference, err)
	}
	if limits.MaxBytes > 0 && len(encoded) > limits.MaxBytes {
		return nil, nil, fmt.Errorf("%w: document exceeds %d bytes", ErrInvalidPreference, limits.MaxBytes)
	}
	decoded := Document{}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPreference, err)
	}
	return decoded, encoded, nil
}

func validateValue(value any, depth, maxDepth int) error {
	if maxDepth > 0 && depth > maxDepth {
		return fmt.Errorf("nesting deeper than %d", maxDepth)
	}
	switch typed := value.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return nil
	case float32:
		return validateFloat(float64(typed))
	case float64:
		return validateFloat(typed)
	case []any:
		for _, item := range typed {
			if err := validateValue(item, depth+1, maxDepth); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		return validateObject(typed, depth, maxDepth)
	case Document:
		return validateObject(typed, depth, maxDepth)
	default:
		return fmt.Errorf("unsupported value type %T", value)
	}
}

func validateObject(object map[string]any, depth, maxDepth int) error {
	for key, item := range object {
		if key == "" {
			return errors.New("empty nested key")
		}
		if err := validateValue(item, depth+1, maxDepth); err != nil {
			return err
		}
	}
	return nil
}

func validateFloat(value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.New("non-finite number")
	}
	return nil
}
