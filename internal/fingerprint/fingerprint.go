// Package fingerprint computes perceptual hashes for screenshots and groups
// near-duplicate captures. A difference hash works well here: screenshots of
// the same window differ mostly in small regions (clock, cursor), which flips
// only a few of the 64 bits.
package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
	"sort"
	"strconv"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// DefaultThreshold is the Hamming distance below which two screenshots are
// considered duplicates.
const DefaultThreshold = 8

// Hash computes a 64-bit difference hash of the encoded image.
func Hash(data []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to decode image: %w", err)
	}
	return HashImage(img), nil
}

// HashImage computes a 64-bit difference hash of a decoded image. The image
// is shrunk to 9x8 grayscale and each bit records whether a pixel is brighter
// than its right neighbor.
func HashImage(img image.Image) uint64 {
	small := image.NewRGBA(image.Rect(0, 0, 9, 8))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Over, nil)

	var luma [9][8]float64
	for x := range 9 {
		for y := range 8 {
			r, g, b, _ := small.At(x, y).RGBA()
			// ITU-R BT.601 luma.
			luma[x][y] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}

	var hash uint64
	bit := 63
	for y := range 8 {
		for x := range 8 {
			if luma[x][y] > luma[x+1][y] {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash
}

// FormatHash renders a hash as a 16 character hex string for storage.
func FormatHash(hash uint64) string {
	return fmt.Sprintf("%016x", hash)
}

// ParseHash parses a hex string produced by FormatHash.
func ParseHash(s string) (uint64, error) {
	hash, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return hash, nil
}

// HammingDistance counts the differing bits between two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similar reports whether two hashes are within threshold bits of each other.
func Similar(a, b uint64, threshold int) bool {
	return HammingDistance(a, b) <= threshold
}

// Entry pairs an image identifier with its perceptual hash.
type Entry struct {
	ID   string
	Hash uint64
}

// GroupDuplicates clusters entries whose hashes lie within threshold bits of
// another member, using union-find over all pairs. Entries without a close
// match are omitted. Groups and their members are returned in a stable order.
func GroupDuplicates(entries []Entry, threshold int) [][]string {
	parent := make([]int, len(entries))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			if Similar(entries[i].Hash, entries[j].Hash, threshold) {
				parent[find(i)] = find(j)
			}
		}
	}

	members := make(map[int][]string)
	for i, e := range entries {
		root := find(i)
		members[root] = append(members[root], e.ID)
	}

	var groups [][]string
	for _, ids := range members {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		groups = append(groups, ids)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}
