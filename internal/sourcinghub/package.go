package sourcinghub

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// answersSchemaJSON is the contract for the answers object of a submission.
const answersSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "submission answers",
  "type": "object",
  "required": ["event_id", "supplier_name", "contact_email"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "supplier_name": {"type": "string", "minLength": 1},
    "contact_email": {"type": "string", "minLength": 3, "pattern": "@"},
    "proposal_title": {"type": "string", "maxLength": 120}
  }
}`

type submissionValidator struct {
	schema *jsonschema.Schema
}

func newSubmissionValidator() *submissionValidator {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(answersSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded answers schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("answers.json", doc); err != nil {
		panic(fmt.Sprintf("failed to register answers schema: %v", err))
	}
	schema, err := compiler.Compile("answers.json")
	if err != nil {
		panic(fmt.Sprintf("failed to compile answers schema: %v", err))
	}
	return &submissionValidator{schema: schema}
}

func (v *submissionValidator) validateAnswers(answers map[string]any) []string {
	if answers == nil {
		return []string{"answers object is required"}
	}
	// Round-trip through JSON so the instance uses the decoded shapes the
	// validator expects regardless of how the map was built.
	raw, err := json.Marshal(answers)
	if err != nil {
		return []string{fmt.Sprintf("answers are not serializable: %v", err)}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return []string{fmt.Sprintf("answers are not valid JSON: %v", err)}
	}
	if err := v.schema.Validate(doc); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func (s *Store) validateSubmission(answers map[string]any, attachments []Attachment) error {
	var problems []string
	if s.validator != nil {
		problems = append(problems, s.validator.validateAnswers(answers)...)
	}
	if len(attachments) > s.maxAttachments {
		problems = append(problems, fmt.Sprintf("too many attachments: %d exceeds limit of %d", len(attachments), s.maxAttachments))
	}
	seen := map[string]struct{}{}
	for i, att := range attachments {
		name := strings.TrimSpace(att.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("attachment %d has no name", i))
			continue
		}
		if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
			problems = append(problems, fmt.Sprintf("attachment name %q must be a bare file name", att.Name))
			continue
		}
		if _, dup := seen[name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate attachment name %q", name))
			continue
		}
		seen[name] = struct{}{}
	}
	if len(problems) > 0 {
		return &ValidationError{Messages: problems}
	}
	return nil
}

// buildSubmissionArchive packages the answers document and attachments into
// a single ZIP: answers.json at the root, files under attachments/.
func buildSubmissionArchive(pkg *SubmissionPackage) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	answers, err := json.MarshalIndent(pkg.Answers, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	w, err := zw.Create("answers.json")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(answers); err != nil {
		return nil, err
	}
	for _, att := range pkg.Attachments {
		w, err := zw.Create("attachments/" + att.Name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
