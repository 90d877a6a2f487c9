package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxTagsPerImage caps how many tags the model may pick per screenshot.
const maxTagsPerImage = 2

const descriptionPrompt = `Describe this screenshot in detail. Name the application shown, summarize any visible text, and state what the user appears to be doing. Reply with the description only, no preamble.`

const tagPromptTemplate = `You assign tags to screenshots based on their descriptions.
Pick up to %d tags from the available list that best match the description.
Respond with JSON of the form {"names": ["tag1"]}. Only use tags from the list.
If nothing fits, respond with {"names": []}.

Available tags:
%s

Description:
%s`

func tagPrompt(tagNames []string, description string) string {
	return fmt.Sprintf(tagPromptTemplate, maxTagsPerImage, strings.Join(tagNames, ", "), description)
}

// tagSelection is the structured output the tagging model must produce.
type tagSelection struct {
	Names []string `json:"names"`
}

// tagSchema builds the JSON schema constraining tag output to the current
// tag names. Rebuilt per request so the enum always reflects the catalog.
func tagSchema(tagNames []string) json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"names": map[string]any{
				"type":     "array",
				"maxItems": maxTagsPerImage,
				"items": map[string]any{
					"type": "string",
					"enum": tagNames,
				},
			},
		},
		"required":             []string{"names"},
		"additionalProperties": false,
	}
	data, err := json.Marshal(schema)
	if err != nil {
		// Static structure over plain strings cannot fail to marshal.
		panic(err)
	}
	return data
}
