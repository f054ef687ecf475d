// Package tls loads the admin listener's certificate and key pair and keeps it current when
// the files on disk are rotated.
package tls
