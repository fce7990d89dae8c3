// Package inspect reads structural metadata from pipeline artifacts
// (columns, types, nullability, row counts, compression, footer metadata)
// and renders a YAML report for operators and downstream consumers.
package inspect

import (
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/apache/arrow/go/v16/parquet/compress"
	"github.com/apache/arrow/go/v16/parquet/file"
	"github.com/apache/arrow/go/v16/parquet/pqarrow"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/triplake/internal/contract"
)

// Column describes one column of an artifact.
type Column struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable"`
}

// Contract reports how the artifact's column set relates to the pipeline
// contract. Version comes from the footer metadata stamped at write time.
type Contract struct {
	Version string   `yaml:"version,omitempty"`
	Missing []string `yaml:"missing_columns,omitempty"`
	Extra   []string `yaml:"extra_columns,omitempty"`
}

// Artifact is the structural description of one parquet file.
type Artifact struct {
	File        string   `yaml:"file"`
	Path        string   `yaml:"path"`
	Rows        int64    `yaml:"rows"`
	Bytes       int64    `yaml:"bytes"`
	RowGroups   int      `yaml:"row_groups"`
	Compression string   `yaml:"compression"`
	Contract    Contract `yaml:"contract"`
	Columns     []Column `yaml:"columns"`
}

// Report collects artifact descriptions for one inspect run.
type Report struct {
	GeneratedAt time.Time  `yaml:"generated_at"`
	Artifacts   []Artifact `yaml:"artifacts"`
}

// Describe reads the structural metadata of one parquet artifact. The file
// is opened read-only; no row data is decoded.
func Describe(path string, mem memory.Allocator) (*Artifact, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "inspect: stat %s", filepath.Base(path))
	}

	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, eris.Wrapf(err, "inspect: open %s", filepath.Base(path))
	}
	defer pf.Close() //nolint:errcheck

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, eris.Wrapf(err, "inspect: read %s", filepath.Base(path))
	}
	schema, err := fr.Schema()
	if err != nil {
		return nil, eris.Wrapf(err, "inspect: schema of %s", filepath.Base(path))
	}

	art := &Artifact{
		File:        filepath.Base(path),
		Path:        path,
		Rows:        pf.NumRows(),
		Bytes:       st.Size(),
		RowGroups:   pf.NumRowGroups(),
		Compression: compressionName(pf),
	}

	names := make([]string, 0, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		names = append(names, f.Name)
		art.Columns = append(art.Columns, Column{
			Name:     f.Name,
			Type:     f.Type.String(),
			Nullable: f.Nullable,
		})
	}

	missing, extra := contract.Matches(names)
	art.Contract = Contract{Missing: missing, Extra: extra}
	if v := pf.MetaData().KeyValueMetadata().FindValue(contract.MetadataKey); v != nil {
		art.Contract.Version = *v
	}

	return art, nil
}

// BuildReport describes every path in order. Any unreadable artifact fails
// the whole report.
func BuildReport(paths []string, mem memory.Allocator) (*Report, error) {
	if len(paths) == 0 {
		return nil, eris.New("inspect: no artifacts given")
	}
	rep := &Report{GeneratedAt: time.Now().UTC()}
	for _, p := range paths {
		art, err := Describe(p, mem)
		if err != nil {
			return nil, err
		}
		rep.Artifacts = append(rep.Artifacts, *art)
	}
	return rep, nil
}

// Render serializes the report as YAML.
func (r *Report) Render() ([]byte, error) {
	out, err := yaml.Marshal(r)
	if err != nil {
		return nil, eris.Wrap(err, "inspect: render report")
	}
	return out, nil
}

// compressionName reports the codec of the first column chunk; written
// artifacts use one codec throughout.
func compressionName(pf *file.Reader) string {
	if pf.NumRowGroups() == 0 {
		return "none"
	}
	rg := pf.MetaData().RowGroup(0)
	if rg.NumColumns() == 0 {
		return "none"
	}
	cc, err := rg.ColumnChunk(0)
	if err != nil {
		return "unknown"
	}
	switch cc.Compression() {
	case compress.Codecs.Uncompressed:
		return "uncompressed"
	case compress.Codecs.Snappy:
		return "snappy"
	case compress.Codecs.Gzip:
		return "gzip"
	case compress.Codecs.Brotli:
		return "brotli"
	case compress.Codecs.Zstd:
		return "zstd"
	case compress.Codecs.Lz4:
		return "lz4"
	default:
		return "unknown"
	}
}
