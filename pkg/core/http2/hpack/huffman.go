package hpack

import "sync"

// huffmanEncodedLen returns the byte length of s after Huffman coding,
// without producing the output. The encoder uses it to pick the shorter of
// the raw and Huffman forms.
func huffmanEncodedLen(s string) int {
	var bits uint64
	for i := 0; i < len(s); i++ {
		bits += uint64(huffmanTable[s[i]].bits)
	}
	return int((bits + 7) / 8)
}

// appendHuffman appends the Huffman coding of s, padded with the EOS prefix
// (all ones) to a byte boundary.
func appendHuffman(b []byte, s string) []byte {
	var acc uint64
	var accBits uint
	for i := 0; i < len(s); i++ {
		e := huffmanTable[s[i]]
		acc = acc<<e.bits | uint64(e.code)
		accBits += uint(e.bits)
		for accBits >= 8 {
			accBits -= 8
			b = append(b, byte(acc>>accBits))
		}
	}
	if accBits > 0 {
		// Pad with ones.
		pad := 8 - accBits
		acc = acc<<pad | (1<<pad - 1)
		b = append(b, byte(acc))
	}
	return b
}

// huffmanNode is one node of the decoding tree; leaves carry a symbol.
type huffmanNode struct {
	children [2]*huffmanNode
	sym      byte
	leaf     bool
}

var (
	huffmanRoot     *huffmanNode
	huffmanRootOnce sync.Once
)

func buildHuffmanTree() {
	huffmanRoot = &huffmanNode{}
	for sym := 0; sym < 256; sym++ {
		e := huffmanTable[sym]
		n := huffmanRoot
		for bit := int(e.bits) - 1; bit >= 0; bit-- {
			b := (e.code >> uint(bit)) & 1
			if n.children[b] == nil {
				n.children[b] = &huffmanNode{}
			}
			n = n.children[b]
		}
		n.sym = byte(sym)
		n.leaf = true
	}
}

// huffmanDecode decodes a Huffman coded string. Any padding must be a
// strict prefix of EOS (all ones, shorter than 8 bits); anything else is a
// compression error, as is a decoded EOS symbol (there is none in the tree,
// so a full EOS reads as an over-long all-ones padding).
func huffmanDecode(b []byte) (string, error) {
	huffmanRootOnce.Do(buildHuffmanTree)
	var out []byte
	n := huffmanRoot
	padBits := 0
	allOnes := true
	for _, octet := range b {
		for bit := 7; bit >= 0; bit-- {
			v := (octet >> uint(bit)) & 1
			if v == 0 {
				allOnes = false
			}
			n = n.children[v]
			if n == nil {
				return "", decodingError("invalid Huffman code")
			}
			if n.leaf {
				out = append(out, n.sym)
				n = huffmanRoot
				padBits = 0
				allOnes = true
				continue
			}
			padBits++
		}
	}
	if n != huffmanRoot {
		if !allOnes || padBits > 7 {
			return "", decodingError("invalid Huffman padding")
		}
	}
	return string(out), nil
}
