package gemini

import (
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
)

func buildLiveConfig(cfg realtime.ConnectConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}
	if cfg.VoiceName != "" || cfg.LanguageCode != "" {
		speech := &genai.SpeechConfig{LanguageCode: cfg.LanguageCode}
		if cfg.VoiceName != "" {
			speech.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			}
		}
		out.SpeechConfig = speech
	}
	if cfg.EnableTranscription {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if vad := buildActivityDetection(cfg.VAD); vad != nil {
		out.RealtimeInputConfig = &genai.RealtimeInputConfig{AutomaticActivityDetection: vad}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  convertSchema(t.Parameters),
			})
		}
		out.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return out
}

func buildActivityDetection(v realtime.VADConfig) *genai.AutomaticActivityDetection {
	if v.IsZero() {
		return nil
	}
	aad := &genai.AutomaticActivityDetection{}
	switch v.StartSensitivity {
	case realtime.SensitivityLow:
		aad.StartOfSpeechSensitivity = genai.StartSensitivityLow
	case realtime.SensitivityHigh:
		aad.StartOfSpeechSensitivity = genai.StartSensitivityHigh
	}
	switch v.EndSensitivity {
	case realtime.SensitivityLow:
		aad.EndOfSpeechSensitivity = genai.EndSensitivityLow
	case realtime.SensitivityHigh:
		aad.EndOfSpeechSensitivity = genai.EndSensitivityHigh
	}
	if v.PrefixPaddingMS > 0 {
		aad.PrefixPaddingMs = genai.Ptr(int32(v.PrefixPaddingMS))
	}
	if v.SilenceDurationMS > 0 {
		aad.SilenceDurationMs = genai.Ptr(int32(v.SilenceDurationMS))
	}
	return aad
}

func convertSchema(s *realtime.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        schemaType(s.Type),
		Description: s.Description,
		Required:    append([]string(nil), s.Required...),
		Items:       convertSchema(s.Items),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = convertSchema(prop)
		}
	}
	return out
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeObject
	}
}
