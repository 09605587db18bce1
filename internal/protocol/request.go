package protocol

// Audio format requested from the server
const (
	AudioFormat     = "pcm"
	AudioCodec      = "raw"
	AudioSampleRate = 16000
	AudioBits       = 16
	AudioChannels   = 1

	// BytesPerSecond of the requested PCM stream
	BytesPerSecond = AudioSampleRate * AudioChannels * AudioBits / 8
)

// InitRequest is the handshake payload sent as the first frame of a session
type InitRequest struct {
	User    UserInfo      `json:"user"`
	Audio   AudioOptions  `json:"audio"`
	Request RequestParams `json:"request"`
}

// UserInfo identifies the calling user
type UserInfo struct {
	UID string `json:"uid,omitempty"`
}

// AudioOptions describes the audio stream that follows the handshake
type AudioOptions struct {
	Format  string `json:"format"`
	Codec   string `json:"codec"`
	Rate    int    `json:"rate"`
	Bits    int    `json:"bits"`
	Channel int    `json:"channel"`
}

// RequestParams toggles recognition features
type RequestParams struct {
	ModelName      string `json:"model_name"`
	EnablePunc     bool   `json:"enable_punc"`
	EnableITN      bool   `json:"enable_itn"`
	EnableDDC      bool   `json:"enable_ddc"`
	ShowUtterances bool   `json:"show_utterances"`
	ResultType     string `json:"result_type"`
}

// NewInitRequest returns the handshake for 16 kHz mono 16-bit PCM with
// punctuation, ITN, disfluency removal and utterances enabled.
func NewInitRequest(uid string) InitRequest {
	return InitRequest{
		User: UserInfo{UID: uid},
		Audio: AudioOptions{
			Format:  AudioFormat,
			Codec:   AudioCodec,
			Rate:    AudioSampleRate,
			Bits:    AudioBits,
			Channel: AudioChannels,
		},
		Request: RequestParams{
			ModelName:      "bigmodel",
			EnablePunc:     true,
			EnableITN:      true,
			EnableDDC:      true,
			ShowUtterances: true,
			ResultType:     "full",
		},
	}
}

// Response is the JSON payload of a FullServerResponse frame
type Response struct {
	AudioInfo *AudioInfo     `json:"audio_info,omitempty"`
	Result    ResponseResult `json:"result"`
}

// AudioInfo reports how much audio the server has processed
type AudioInfo struct {
	Duration int `json:"duration"`
}

// ResponseResult holds the cumulative transcription
type ResponseResult struct {
	Text       string      `json:"text,omitempty"`
	Utterances []Utterance `json:"utterances,omitempty"`
}

// Utterance is one segmented span of speech
type Utterance struct {
	Text      string `json:"text"`
	StartTime int    `json:"start_time"`
	EndTime   int    `json:"end_time"`
	Definite  bool   `json:"definite"`
}
