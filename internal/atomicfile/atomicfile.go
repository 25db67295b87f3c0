// Package atomicfile replaces files so readers never observe a partial write.
package atomicfile
