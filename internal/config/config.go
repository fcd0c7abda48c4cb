// Package config reads the server's environment configuration once at
// startup.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/bridge-voice-lab/internal/logging"
)

type Config struct {
	BindAddr string
	DBPath   string

	STTURL          string
	TTSURL          string
	TTSVoice        string
	TTSAPIKey       string
	LLMWorkerURL    string
	LLMAPIKey       string
	FaceEmbedURL    string
	FaceEmotionURL  string
	VoiceEmotionURL string
	VADURL          string

	// AudioCodec is "opus" or "pcm16" and describes what the client sends
	// over the mic channel.
	AudioCodec string
	SampleRate int

	SpeechThreshold float64
	SilenceTimeout  time.Duration
	MaxSpeech       time.Duration
	PreBuffer       time.Duration
	RMSThreshold    float64

	ReminderInterval time.Duration
	AvatarDir        string
}

func Load() Config {
	return Config{
		BindAddr: getEnv("BIND_ADDR", ":8000"),
		DBPath:   getEnv("DB_PATH", "./data/bridge.db"),

		STTURL:          os.Getenv("STT_URL"),
		TTSURL:          os.Getenv("TTS_URL"),
		TTSVoice:        getEnv("TTS_VOICE", "bridge"),
		TTSAPIKey:       os.Getenv("TTS_API_KEY"),
		LLMWorkerURL:    os.Getenv("LLM_WORKER_URL"),
		LLMAPIKey:       os.Getenv("LLM_API_KEY"),
		FaceEmbedURL:    os.Getenv("FACE_EMBED_URL"),
		FaceEmotionURL:  os.Getenv("FACE_EMOTION_URL"),
		VoiceEmotionURL: os.Getenv("VOICE_EMOTION_URL"),
		VADURL:          os.Getenv("VAD_URL"),

		AudioCodec: getEnv("AUDIO_CODEC", "opus"),
		SampleRate: getEnvInt("SAMPLE_RATE", 16000),

		SpeechThreshold: getEnvFloat("VAD_THRESHOLD", 0.5),
		SilenceTimeout:  time.Duration(getEnvInt("SILENCE_TIMEOUT_MS", 1500)) * time.Millisecond,
		MaxSpeech:       time.Duration(getEnvInt("MAX_SPEECH_MS", 30000)) * time.Millisecond,
		PreBuffer:       time.Duration(getEnvInt("PRE_BUFFER_MS", 500)) * time.Millisecond,
		RMSThreshold:    getEnvFloat("VAD_RMS_THRESHOLD", 500),

		ReminderInterval: time.Duration(getEnvInt("REMINDER_INTERVAL_SEC", 30)) * time.Second,
		AvatarDir:        getEnv("AVATAR_DIR", "uploads/avatars"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logging.Warnw("config: invalid value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		logging.Warnw("config: invalid value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}
