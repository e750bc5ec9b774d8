// Package kiro provides translation functionality for Kiro CodeWhisperer API compatibility.
// It includes request and response translators for converting between OpenAI-compatible formats
// and Kiro's native API format.
package kiro
