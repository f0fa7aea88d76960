package pipeline

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Load reads a pipeline definition. Files ending in .star are executed as Starlark scripts, everything else
// is parsed as YAML. Matrix rows are validated here so malformed rows fail before any job starts.
func Load(ctx context.Context, filename string) (*Pipeline, error) {
	filename, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}

	var p *Pipeline
	if strings.HasSuffix(filename, ".star") {
		p, err = runScript(ctx, filename)
	} else {
		var content []byte
		content, err = ioutil.ReadFile(filename)
		if err != nil {
			return nil, eris.Wrapf(err, "Could not open file %s.", filename)
		}

		p, err = Parse(content)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "Failed to parse %s.", filename)
	}

	if err = p.finish(filepath.Dir(filename)); err != nil {
		return nil, eris.Wrapf(err, "Invalid pipeline %s", filename)
	}

	if _, err = p.Expand(); err != nil {
		return nil, eris.Wrapf(err, "Invalid pipeline %s", filename)
	}

	return p, nil
}

// Parse decodes a YAML pipeline definition without applying defaults
func Parse(content []byte) (*Pipeline, error) {
	var p Pipeline
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)

	if err := decoder.Decode(&p); err != nil {
		return nil, eris.Wrap(err, "failed to decode pipeline")
	}

	return &p, nil
}
