package casegraph

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed profiles/*.json
var embeddedProfiles embed.FS

// GenericProfile is the profile every unknown name falls back to.
const GenericProfile = "generic"

// Profile is a named JSON configuration document selecting the domain
// vocabulary and the ingestion/resolution/chat parameters for a case.
type Profile struct {
	Name       string            `json:"name"`
	Ingestion  IngestionProfile  `json:"ingestion"`
	Resolution ResolutionProfile `json:"resolution"`
	Chat       ChatProfile       `json:"chat"`
}

// IngestionProfile controls chunking and the extraction vocabulary.
type IngestionProfile struct {
	ChunkSize         int      `json:"chunk_size"`
	ChunkOverlap      int      `json:"chunk_overlap"`
	EntityTypes       []string `json:"entity_types"`
	RelationshipTypes []string `json:"relationship_types"`
	// PromptTemplate may use the placeholders {entity_types},
	// {relationship_types} and {text}. Empty means the built-in prompt.
	PromptTemplate string `json:"prompt_template"`
}

// ResolutionProfile controls fuzzy duplicate-candidate generation.
// The similarity metric and threshold are configuration, not constants.
type ResolutionProfile struct {
	SimilarityThreshold float64 `json:"similarity_threshold"`
	MaxCandidates       int     `json:"max_candidates"`
}

// ChatProfile controls the case assistant.
type ChatProfile struct {
	SystemPrompt     string `json:"system_prompt"`
	MaxContextChunks int    `json:"max_context_chunks"`
}

// LoadProfile returns the named profile. Profiles are looked up first in
// profileDir (if non-empty), then among the embedded profiles. An unknown
// name falls back to the generic profile rather than failing.
func LoadProfile(name, profileDir string) Profile {
	if name == "" {
		name = GenericProfile
	}

	if profileDir != "" {
		path := filepath.Join(profileDir, name+".json")
		if data, err := os.ReadFile(path); err == nil {
			if p, err := parseProfile(data); err == nil {
				return p
			} else {
				slog.Warn("profile: invalid profile file, ignoring", "path", path, "error", err)
			}
		}
	}

	if data, err := embeddedProfiles.ReadFile("profiles/" + name + ".json"); err == nil {
		if p, err := parseProfile(data); err == nil {
			return p
		}
	}

	if name != GenericProfile {
		slog.Warn("profile: unknown profile, falling back to generic", "profile", name)
		return LoadProfile(GenericProfile, profileDir)
	}

	// The embedded generic profile always parses; this is a compiled-in
	// safety net for a corrupted override directory.
	return Profile{
		Name: GenericProfile,
		Ingestion: IngestionProfile{
			ChunkSize:         1200,
			ChunkOverlap:      150,
			EntityTypes:       []string{"Person", "Organization", "Location", "Event"},
			RelationshipTypes: []string{"knows", "works_for", "located_in", "involved_in"},
		},
		Resolution: ResolutionProfile{SimilarityThreshold: 0.82, MaxCandidates: 20},
		Chat:       ChatProfile{MaxContextChunks: 10},
	}
}

func parseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parsing profile: %w", err)
	}
	if p.Ingestion.ChunkSize <= 0 {
		p.Ingestion.ChunkSize = 1200
	}
	if p.Ingestion.ChunkOverlap < 0 {
		p.Ingestion.ChunkOverlap = 0
	}
	if p.Resolution.SimilarityThreshold <= 0 {
		p.Resolution.SimilarityThreshold = 0.82
	}
	if p.Resolution.MaxCandidates <= 0 {
		p.Resolution.MaxCandidates = 20
	}
	if p.Chat.MaxContextChunks <= 0 {
		p.Chat.MaxContextChunks = 10
	}
	return p, nil
}
