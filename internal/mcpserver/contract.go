package mcpserver

// ScriptFormatContract describes the canonical manifest script format
// that LLM consumers should follow when submitting scripts for injection.
const ScriptFormatContract = `# Manifold Manifest Script Contract

Every manifest script injected into Manifold MUST follow this structure.

## Structure

` + "```" + `lua
addappid(APPID)                        -- REQUIRED unless supplied out of band
addappid(DEPOTID, 1, "DECRYPTIONKEY")  -- REQUIRED, one per depot
setManifestid(DEPOTID, "MANIFESTID", 0) -- REQUIRED, one per depot
` + "```" + `

## Rules

1. **App id** comes from the plain ` + "`" + `addappid(APPID)` + "`" + ` line. If the line is
   absent, Manifold falls back to a JSON sidecar (` + "`" + `{"appid": N}` + "`" + ` next to
   the script) and then to leading digits in the filename. It is never
   guessed beyond that; a script with no resolvable app id is rejected.
2. **Every depot needs both statements.** A depot with a decryption key
   but no manifest id (or the reverse) fails validation and nothing is
   installed.
3. **Manifest ids are opaque strings.** They are compared for equality
   only; do not assume they are numeric.
4. **Extension** is ` + "`" + `.lua` + "`" + `. Files ending in ` + "`" + `.backup` + "`" + ` variants are
   ignored by the inbox.
5. **Injection is idempotent.** Submitting the same script twice yields
   one registry entry per depot, not two.

## Example

` + "```" + `lua
addappid(1245620)
addappid(1245621, 1, "3f8a2b9c0d1e4f5a6b7c8d9e0f1a2b3c")
setManifestid(1245621, "7613739895212053073", 0)
` + "```" + `
`
