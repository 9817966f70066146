// Package manifest parses, validates, and renders depot manifest scripts.
//
// A script is the three-statement form consumed by the Steam plug-in:
//
//	addappid(<appid>)
//	addappid(<depot>,1,"<token>")
//	setManifestid(<depot>,"<manifest>",0)
//
// Scripts covering several depots repeat the second and third statements
// per depot. Rendering is deterministic: parsing a rendered script yields
// the same records back.
package manifest

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	appIDRe = regexp.MustCompile(`(?i)addappid\(\s*(\d+)\s*\)`)
	tokenRe = regexp.MustCompile(`(?i)addappid\(\s*(\d+)\s*,\s*[01]\s*,\s*"([^"]+)"\s*\)`)
	// Accepts setManifestid(DEPOT,"MID"), setManifestid(DEPOT,"MID",0),
	// and any trailing arguments after the manifest id.
	manifestRe = regexp.MustCompile(`(?i)setManifestid\(\s*(\d+)\s*,\s*"([^"]+)"(?:\s*,\s*[^)]*)?\s*\)`)
	stemDigits = regexp.MustCompile(`\d+`)
)

// Record is one tracked depot: the parent app, the depot itself, its
// decryption token, and the currently pinned manifest id. The manifest id
// is opaque: it is compared for equality, never ordered.
type Record struct {
	AppID    int
	DepotID  int
	Token    string
	Manifest string
}

// Validate reports which required fields are missing. No field is ever
// defaulted; an incomplete record must not reach the registry.
func (r Record) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.AppID, validation.Required),
		validation.Field(&r.DepotID, validation.Required),
		validation.Field(&r.Token, validation.Required),
		validation.Field(&r.Manifest, validation.Required),
	)
	if err == nil {
		return nil
	}
	var missing []string
	if verrs, ok := err.(validation.Errors); ok {
		for field := range verrs {
			missing = append(missing, field)
		}
		sort.Strings(missing)
	}
	return &IncompleteRecordError{Missing: missing}
}

// IncompleteRecordError names every required field absent from a record.
type IncompleteRecordError struct {
	Missing []string
}

func (e *IncompleteRecordError) Error() string {
	return fmt.Sprintf("manifest: incomplete record, missing %s", strings.Join(e.Missing, ", "))
}

// Sidecar is the optional structured companion of a raw script
// (<stem>.json next to the file). It may supply the app id when the
// script itself omits the addappid header.
type Sidecar struct {
	AppID int `json:"appid"`
}

// Parse extracts one Record per depot from raw script content. The app id
// is taken from the addappid header, falling back to the sidecar when
// provided. Records are returned in ascending depot order. Parse does not
// validate completeness; callers gate on Record.Validate before acting.
func Parse(raw []byte, sidecar *Sidecar) []Record {
	text := string(raw)

	appID := 0
	if m := appIDRe.FindStringSubmatch(text); m != nil {
		appID, _ = strconv.Atoi(m[1])
	}
	if appID == 0 && sidecar != nil {
		appID = sidecar.AppID
	}

	tokens := make(map[int]string)
	for _, m := range tokenRe.FindAllStringSubmatch(text, -1) {
		d, _ := strconv.Atoi(m[1])
		tokens[d] = m[2]
	}

	manifests := make(map[int]string)
	for _, m := range manifestRe.FindAllStringSubmatch(text, -1) {
		d, _ := strconv.Atoi(m[1])
		manifests[d] = m[2]
	}

	depots := make(map[int]struct{}, len(tokens)+len(manifests))
	for d := range tokens {
		depots[d] = struct{}{}
	}
	for d := range manifests {
		depots[d] = struct{}{}
	}

	out := make([]Record, 0, len(depots))
	for d := range depots {
		out = append(out, Record{
			AppID:    appID,
			DepotID:  d,
			Token:    tokens[d],
			Manifest: manifests[d],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepotID < out[j].DepotID })
	return out
}

// InferAppID extracts an app id from the first digit run in a file stem
// ("1245620.lua" → 1245620). Returns 0 when the stem carries no digits.
func InferAppID(stem string) int {
	m := stemDigits.FindString(stem)
	if m == "" {
		return 0
	}
	n, _ := strconv.Atoi(m)
	return n
}

// Render emits the canonical script for the given records. All records
// must share one app id; depots are emitted in ascending order, token
// statements before manifest statements. Rendering the same records twice
// yields byte-identical output.
func Render(records []Record) []byte {
	if len(records) == 0 {
		return nil
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DepotID < sorted[j].DepotID })

	var b strings.Builder
	fmt.Fprintf(&b, "addappid(%d)\n", sorted[0].AppID)
	for _, r := range sorted {
		if r.Token != "" {
			fmt.Fprintf(&b, "addappid(%d,1,%q)\n", r.DepotID, r.Token)
		}
	}
	for _, r := range sorted {
		if r.Manifest != "" {
			fmt.Fprintf(&b, "setManifestid(%d,%q,0)\n", r.DepotID, r.Manifest)
		}
	}
	return []byte(b.String())
}

// CurrentVersion returns the manifest id pinned for depotID in content,
// or apperr-style not-found semantics via ok=false.
func CurrentVersion(content []byte, depotID int) (string, bool) {
	for _, m := range manifestRe.FindAllStringSubmatch(string(content), -1) {
		d, _ := strconv.Atoi(m[1])
		if d == depotID {
			return m[2], true
		}
	}
	return "", false
}

// ReplaceVersion rewrites the setManifestid statement for depotID to carry
// newManifest, normalizing the trailing flag to ",0)". Statements for other
// depots and all other lines are left byte-identical. It returns an error
// when no statement for depotID exists, so a caller never silently
// "updates" a script it cannot track.
func ReplaceVersion(content []byte, depotID int, newManifest string) ([]byte, error) {
	lineRe := regexp.MustCompile(fmt.Sprintf(`(?im)^(\s*setManifestid\(\s*%d\s*,\s*")([^"]+)("[^)]*\)\s*)$`, depotID))

	replaced := false
	out := lineRe.ReplaceAllStringFunc(string(content), func(line string) string {
		replaced = true
		groups := lineRe.FindStringSubmatch(line)
		return groups[1] + newManifest + `",0)`
	})
	if !replaced {
		// Statement not on its own line; fall back to an unanchored match.
		freeRe := regexp.MustCompile(fmt.Sprintf(`(?i)(setManifestid\(\s*%d\s*,\s*")([^"]+)("[^)]*\))`, depotID))
		out = freeRe.ReplaceAllStringFunc(string(content), func(stmt string) string {
			if replaced {
				return stmt
			}
			replaced = true
			groups := freeRe.FindStringSubmatch(stmt)
			return groups[1] + newManifest + `",0)`
		})
	}
	if !replaced {
		return nil, fmt.Errorf("manifest: no setManifestid statement for depot %d", depotID)
	}
	return []byte(out), nil
}
