package gridsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Config is the explicit runtime configuration. Nothing deeper in the
// call tree reads the environment; it all flows from here.
type Config struct {
	Token      string
	APIVersion string
	BaseURL    string
	GridDSN    string
	LockWait   time.Duration

	NotifyURL     string
	NotifyToken   string
	NotifyChannel string
	StreamURL     string
}

// ConfigFromEnv builds a Config from GRIDSYNC_* environment variables.
func ConfigFromEnv() Config {
	return Config{
		Token:         strings.TrimSpace(os.Getenv("GRIDSYNC_TOKEN")),
		APIVersion:    strings.TrimSpace(os.Getenv("GRIDSYNC_API_VERSION")),
		BaseURL:       strings.TrimSpace(os.Getenv("GRIDSYNC_BASE_URL")),
		GridDSN:       strings.TrimSpace(os.Getenv("GRIDSYNC_GRID_DSN")),
		LockWait:      durationEnv("GRIDSYNC_LOCK_WAIT", 0),
		NotifyURL:     strings.TrimSpace(os.Getenv("GRIDSYNC_NOTIFY_URL")),
		NotifyToken:   strings.TrimSpace(os.Getenv("GRIDSYNC_NOTIFY_TOKEN")),
		NotifyChannel: strings.TrimSpace(os.Getenv("GRIDSYNC_NOTIFY_CHANNEL")),
		StreamURL:     strings.TrimSpace(os.Getenv("GRIDSYNC_STREAM_URL")),
	}
}

func (c Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("%w: GRIDSYNC_TOKEN is required", ErrConfiguration)
	}
	if c.GridDSN == "" {
		return fmt.Errorf("%w: GRIDSYNC_GRID_DSN is required", ErrConfiguration)
	}
	return nil
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

// Profile is one declarative sync job: the source, the destination
// sheet, and the ordered alias list. Aliases are an array of pairs,
// never an object, because pair order defines column order.
type Profile struct {
	Source     string         `json:"source"`
	Sheet      string         `json:"sheet"`
	Mode       string         `json:"mode,omitempty"`
	KeyLabel   string         `json:"keyLabel,omitempty"`
	BatchSize  int            `json:"batchSize,omitempty"`
	PageSize   int            `json:"pageSize,omitempty"`
	AllColumns bool           `json:"allColumns,omitempty"`
	Aliases    []AliasPair    `json:"aliases,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
}

const profileSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["source", "sheet"],
	"properties": {
		"source": {"type": "string", "minLength": 1},
		"sheet": {"type": "string", "minLength": 1},
		"mode": {"enum": ["append", "upsert"]},
		"keyLabel": {"type": "string"},
		"batchSize": {"type": "integer", "minimum": 1},
		"pageSize": {"type": "integer", "minimum": 1, "maximum": 100},
		"allColumns": {"type": "boolean"},
		"aliases": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["key"],
				"properties": {
					"key": {"type": "string", "minLength": 1},
					"label": {"type": "string"}
				},
				"additionalProperties": false
			}
		},
		"filter": {"type": "object"}
	},
	"additionalProperties": false
}`

// LoadProfile reads and validates a sync profile file.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (Profile, error) {
	schema, err := compileProfileSchema()
	if err != nil {
		return Profile{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: profile is not valid JSON: %v", ErrConfiguration, err)
	}
	if err := schema.Validate(instance); err != nil {
		return Profile{}, fmt.Errorf("%w: invalid profile: %v", ErrConfiguration, err)
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return Profile{}, err
	}
	if profile.Mode == string(ModeUpsert) && strings.TrimSpace(profile.KeyLabel) == "" {
		return Profile{}, fmt.Errorf("%w: upsert profile requires keyLabel", ErrConfiguration)
	}
	return profile, nil
}

func compileProfileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(profileSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("profile.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("profile.json")
}

// Request binds a profile onto a SyncRequest.
func (p Profile) Request() SyncRequest {
	mode := SyncMode(p.Mode)
	if p.Mode == "" {
		mode = ModeAppend
	}
	return SyncRequest{
		Source:     p.Source,
		Aliases:    p.Aliases,
		AllColumns: p.AllColumns,
		Sheet:      p.Sheet,
		Mode:       mode,
		KeyLabel:   p.KeyLabel,
		BatchSize:  p.BatchSize,
		PageSize:   p.PageSize,
		Filter:     p.Filter,
	}
}
