package types

// Model represents a loadable image-generation model found under the model directory.
type Model struct {
	// Stable identifier for the model (directory or file stem).
	// example: sdxl-base
	ID string `json:"id" example:"sdxl-base"`
	// Human-friendly name.
	// example: sdxl-base
	Name string `json:"name" example:"sdxl-base"`
	// Absolute path to the model directory or checkpoint file.
	// example: /srv/models/sdxl-base
	Path string `json:"path" example:"/srv/models/sdxl-base"`
	// Model family used for placement requirements (sdxl, sd15, refiner, vae, flux, sd).
	// example: sdxl
	Kind string `json:"kind" example:"sdxl"`
	// On-disk layout: diffusers or checkpoint.
	// example: diffusers
	Format string `json:"format" example:"diffusers"`
	// Total size of the weight files in bytes.
	// example: 6938040682
	SizeBytes int64 `json:"size_bytes" example:"6938040682"`
}
