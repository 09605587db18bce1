package protocol

import "strings"

// TextStrategy extracts transcription text from one known response shape
type TextStrategy struct {
	Name    string
	Extract func(resp *Response) string
}

// TextStrategies are tried in order; the first non-empty text wins.
var TextStrategies = []TextStrategy{
	{Name: "result.text", Extract: resultText},
	{Name: "result.utterances", Extract: utterancesText},
}

// ExtractText returns the text of resp and the name of the strategy that produced it
func ExtractText(resp *Response) (string, string) {
	for _, s := range TextStrategies {
		if text := s.Extract(resp); text != "" {
			return text, s.Name
		}
	}
	return "", ""
}

func resultText(resp *Response) string {
	return resp.Result.Text
}

// utterancesText joins utterances with no separator.
func utterancesText(resp *Response) string {
	var b strings.Builder
	for _, u := range resp.Result.Utterances {
		b.WriteString(u.Text)
	}
	return b.String()
}
