//go:build !windows

package qstore

// protect is a no-op where no platform key store is used.
func protect(sealed []byte) ([]byte, error) { return sealed, nil }

func unprotect(data []byte) ([]byte, error) { return data, nil }
