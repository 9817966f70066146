package storage

// Provider abstracts the directory a component writes scripts under, so
// the pipeline and engine can be tested against temporary roots.
type Provider interface {
	Read(name string) ([]byte, error)
	Write(name string, content []byte) error
	Exists(name string) bool
	Path(name string) (string, error)
	BackupAside(name string) (string, error)
}

// Verify *FS satisfies Provider at compile time.
var _ Provider = (*FS)(nil)
