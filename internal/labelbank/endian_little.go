//go:build 386 || amd64 || arm || arm64 || loong64 || mipsle || mips64le || ppc64le || riscv64 || wasm

package labelbank

// hostIsLittleEndian only exists on little-endian targets. The raw on-disk
// matrix format is native little-endian bytes, so referencing this constant
// makes big-endian builds fail instead of silently corrupting caches.
const hostIsLittleEndian = true
