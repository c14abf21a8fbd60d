package httpapi

// Config defines HTTP API and UI settings.
type Config struct {
	Addr     string
	BaseURL  string
	BasePath string
	// History is the number of stream events kept for Last-Event-ID replay.
	History int
}
