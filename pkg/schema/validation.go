package schema

import "fmt"

// Finding is one problem found while checking a document, located by a
// dotted path into it.
type Finding struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

func (f Finding) String() string {
	if f.Path == "" {
		return f.Message
	}
	return f.Path + ": " + f.Message
}

// Findings collects the problems of one check. Warnings never make a document
// unusable.
type Findings []Finding

// Fail records a blocking problem.
func (fs *Findings) Fail(path, code, format string, args ...any) {
	*fs = append(*fs, Finding{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Warn records a non-blocking problem.
func (fs *Findings) Warn(path, code, format string, args ...any) {
	*fs = append(*fs, Finding{Path: path, Code: code, Message: fmt.Sprintf(format, args...), Warning: true})
}

// Failures returns the blocking findings in the order they were recorded.
func (fs Findings) Failures() []Finding {
	var out []Finding
	for _, f := range fs {
		if !f.Warning {
			out = append(out, f)
		}
	}
	return out
}

// Err returns a VALIDATION_ERROR naming the first failure, or nil when only
// warnings were recorded.
func (fs Findings) Err() error {
	failures := fs.Failures()
	if len(failures) == 0 {
		return nil
	}
	msg := failures[0].String()
	if len(failures) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(failures)-1)
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{"findings": []Finding(fs)})
}
