package config

import (
	"os"
	"runtime"
	"strings"
)

// DeviceType identifies the detected execution environment.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
)

// DeviceProfile describes the model and resource limits chosen at startup.
// It is computed once and immutable afterwards.
type DeviceProfile struct {
	Device          DeviceType `json:"device"`
	ModelPath       string     `json:"model_path"`
	ModelName       string     `json:"model_name"`
	ContextWindow   int        `json:"context_window"`
	BatchSize       int        `json:"batch_size"`
	Threads         int        `json:"threads"`
	GPULayers       int        `json:"gpu_layers"`
	ImageGeneration bool       `json:"image_generation"`
	CacheSizeMB     int        `json:"cache_size_mb"`
	MaxMemoryGB     int        `json:"max_memory_gb"`
}

// DetectDevice inspects well-known markers for a Termux/Android environment
// and falls back to desktop.
func DetectDevice() DeviceType {
	if _, err := os.Stat("/data/data/com.termux"); err == nil {
		return DeviceMobile
	}
	if os.Getenv("TERMUX_VERSION") != "" {
		return DeviceMobile
	}
	if strings.Contains(os.Getenv("PREFIX"), "com.termux") {
		return DeviceMobile
	}
	arch := runtime.GOARCH
	if arch == "arm" || arch == "arm64" {
		// ARM could also be a single-board computer. The Termux storage
		// bridge is the distinguishing marker.
		if home, err := os.UserHomeDir(); err == nil {
			if _, err := os.Stat(home + "/storage"); err == nil {
				return DeviceMobile
			}
		}
	}
	return DeviceDesktop
}

// ProfileFor returns the canonical profile for a device type.
func ProfileFor(device DeviceType) DeviceProfile {
	if device == DeviceMobile {
		return DeviceProfile{
			Device:          DeviceMobile,
			ModelPath:       "llama.cpp/models/mistral-7b-instruct-v0.2.Q4_K_M.gguf",
			ModelName:       "Mistral-7B-Instruct-v0.2",
			ContextWindow:   4096,
			BatchSize:       256,
			Threads:         4,
			GPULayers:       0,
			ImageGeneration: false,
			CacheSizeMB:     512,
			MaxMemoryGB:     4,
		}
	}
	threads := runtime.NumCPU() - 2
	if threads < 2 {
		threads = 2
	}
	return DeviceProfile{
		Device:          DeviceDesktop,
		ModelPath:       "llama.cpp/models/Qwen2.5-Coder-14B-Instruct-Q4_K_M.gguf",
		ModelName:       "Qwen2.5-Coder-14B-Instruct",
		ContextWindow:   8192,
		BatchSize:       512,
		Threads:         threads,
		GPULayers:       45,
		ImageGeneration: true,
		CacheSizeMB:     2048,
		MaxMemoryGB:     16,
	}
}

// DetectProfile detects the device and returns its profile.
func DetectProfile() DeviceProfile {
	return ProfileFor(DetectDevice())
}
