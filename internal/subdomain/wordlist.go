package subdomain

// wordList is the curated set of adjectives/nouns/tech-terms/colors used by
// random allocation (§4.7).
var wordList = []string{
	// Adjectives
	"mighty", "brave", "swift", "clever", "bright", "strong", "gentle", "noble",
	"quick", "smart", "bold", "calm", "cool", "fresh", "sharp", "smooth",
	"warm", "wise", "clear", "fast", "light", "pure", "safe", "solid",
	"super", "ultra", "mega", "prime", "elite", "royal", "grand", "magic",

	// Nouns
	"lion", "tiger", "eagle", "wolf", "bear", "fox", "hawk", "shark",
	"star", "moon", "sun", "storm", "wind", "fire", "rock", "wave",
	"code", "data", "link", "node", "core", "zone", "base", "port",
	"key", "lock", "gate", "path", "bridge", "tower", "space", "cloud",

	// Tech terms
	"byte", "chip", "disk", "mesh", "grid", "sync", "flow", "beam",
	"pulse", "spark", "flash", "boost", "peak", "apex", "edge", "vertex",
	"pixel", "vector", "matrix", "tensor", "neural", "quantum", "digital", "cyber",

	// Colors
	"red", "blue", "green", "gold", "silver", "purple", "orange", "pink",
	"coral", "azure", "crimson", "emerald", "amber", "violet", "indigo", "cyan",
}

// reservedWords can never be allocated, custom-requested or otherwise.
var reservedWords = []string{
	// System subdomains
	"www", "api", "admin", "app", "mail", "ftp", "ssh",
	"vpn", "cdn", "static", "assets", "img", "images",
	"css", "js", "media", "files", "download", "upload",

	// Security-related
	"security", "auth", "login", "oauth", "sso", "saml",
	"ldap", "ad", "cert", "ssl", "tls", "key", "secret",

	// Infrastructure
	"proxy", "gateway", "load", "balance", "cache", "redis",
	"db", "database", "mysql", "postgres", "mongo", "elastic",
	"search", "log", "logs", "metrics", "monitor", "health",

	// Common services
	"dashboard", "console", "control", "manage", "config",
	"settings", "profile", "account", "user", "users",
	"webhook", "callback", "notify", "alert", "status",

	// Tunnel-specific
	"tunnel", "connect", "client", "server", "endpoint",
}
