package camera

// Preset names for common configurations
const (
	PresetDefault  = "default"
	Preset480p     = "480p"
	Preset720p     = "720p"
	Preset1080p    = "1080p"
	PresetDocument = "document"
	PresetFast     = "fast"
	PresetPhone    = "phone"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetDefault:  DefaultConfig(),
		Preset480p:     VGAConfig(),
		Preset720p:     HD720Config(),
		Preset1080p:    HD1080Config(),
		PresetDocument: DocumentConfig(),
		PresetFast:     FastConfig(),
		PresetPhone:    PhoneConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{
		PresetDefault,
		Preset480p,
		Preset720p,
		Preset1080p,
		PresetDocument,
		PresetFast,
		PresetPhone,
	}
}

// GetPreset returns a preset config by name, or nil if not found.
func GetPreset(name string) *Config {
	presets := Presets()
	if cfg, ok := presets[name]; ok {
		return &cfg
	}
	return nil
}

// VGAConfig returns 640x480. Cheapest to decode.
func VGAConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 640
	cfg.Height = 480
	cfg.ScreenWidth = 640
	cfg.ScreenHeight = 480
	return cfg
}

// HD720Config returns 720p HD configuration.
func HD720Config() Config {
	return DefaultConfig()
}

// HD1080Config returns 1080p Full HD configuration.
// Dense codes (large QR versions) resolve better here.
func HD1080Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1920
	cfg.Height = 1080
	cfg.ScreenWidth = 1920
	cfg.ScreenHeight = 1080
	return cfg
}

// DocumentConfig is tuned for codes printed on paper held close to the lens.
func DocumentConfig() Config {
	cfg := HD1080Config()
	cfg.FocusMode = FocusAuto
	cfg.Framerate = 15
	return cfg
}

// FastConfig trades resolution for decode throughput.
func FastConfig() Config {
	cfg := VGAConfig()
	cfg.Framerate = 60
	cfg.FocusMode = FocusFixed
	return cfg
}

// PhoneConfig shows a landscape sensor on a portrait 720x1280 screen.
func PhoneConfig() Config {
	cfg := DefaultConfig()
	cfg.ScreenWidth = 720
	cfg.ScreenHeight = 1280
	return cfg
}
