package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// LoadSidecar reads the structured companion of a raw script: a JSON file
// with the same stem next to it ("game.lua" → "game.json"). A missing or
// unreadable sidecar is not an error; parsing simply proceeds without it.
func LoadSidecar(scriptPath string) *Sidecar {
	stem := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	sidecarPath := filepath.Join(filepath.Dir(scriptPath), stem+".json")

	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return nil
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil
	}
	if sc.AppID == 0 {
		return nil
	}
	return &sc
}
