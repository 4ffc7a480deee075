package extract

import "fmt"

const (
	kib = 1024
	mib = kib * 1024
	gib = mib * 1024
)

// FormatSize renders a byte count with binary thresholds:
// "512 B", "1.50 KB", "3.25 MB", "2.00 GB".
func FormatSize(n int64) string {
	switch {
	case n < kib:
		return fmt.Sprintf("%d B", n)
	case n < mib:
		return fmt.Sprintf("%.2f KB", float64(n)/kib)
	case n < gib:
		return fmt.Sprintf("%.2f MB", float64(n)/mib)
	default:
		return fmt.Sprintf("%.2f GB", float64(n)/gib)
	}
}
