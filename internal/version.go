package internal

// Version is reported by /health.
const Version = "0.1.0"
