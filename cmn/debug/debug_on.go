//go:build debug

package debug

func init() { Enabled = true }
