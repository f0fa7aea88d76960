package pipeline

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Expand turns every matrix row into a JobSpec. The only check is that the target triple is not empty;
// the first row that fails it aborts the expansion.
func (p *Pipeline) Expand() ([]JobSpec, error) {
	jobs := make([]JobSpec, 0, len(p.Matrix))
	for idx, row := range p.Matrix {
		triple := strings.TrimSpace(row.Target)
		if triple == "" {
			return nil, eris.Errorf("matrix row #%d: target must not be empty", idx)
		}

		hostOS, err := ParseHostOS(row.OS)
		if err != nil {
			return nil, eris.Wrapf(err, "matrix row #%d (%s)", idx, triple)
		}

		env := make(map[string]string, len(p.Env)+len(row.Env))
		for k, v := range p.Env {
			env[k] = v
		}
		for k, v := range row.Env {
			env[k] = v
		}

		jobs = append(jobs, JobSpec{
			Index:        idx,
			TargetTriple: triple,
			HostOS:       hostOS,
			UseCross:     row.Cross,
			Env:          env,
		})
	}

	return jobs, nil
}

// Filter returns the jobs whose target triple is listed in only. An empty list keeps every job.
func Filter(jobs []JobSpec, only []string) []JobSpec {
	if len(only) == 0 {
		return jobs
	}

	wanted := make(map[string]bool, len(only))
	for _, triple := range only {
		wanted[triple] = true
	}

	result := make([]JobSpec, 0, len(only))
	for _, job := range jobs {
		if wanted[job.TargetTriple] {
			result = append(result, job)
		}
	}
	return result
}

// Triggers reports whether a push to ref starts this pipeline. Both bare branch names and
// full refs (refs/heads/<branch>) are accepted.
func (p *Pipeline) Triggers(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}

	return strings.TrimPrefix(ref, "refs/heads/") == p.Branch
}
