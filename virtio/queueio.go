package virtio

import (
	"github.com/loks0n/carbon/memory"
	"github.com/loks0n/carbon/mmio"
)

// readChainBytes concatenates every device-readable descriptor in chain,
// in order, into one buffer. Used by devices (net, vsock) whose packets
// may span more than one descriptor.
func readChainBytes(mem *memory.Region, chain []mmio.Desc) ([]byte, error) {
	var buf []byte

	for _, d := range chain {
		if d.Flags&mmio.DescFWrite != 0 {
			continue
		}

		part := make([]byte, d.Len)
		if err := mem.Read(d.Addr, part); err != nil {
			return nil, err
		}

		buf = append(buf, part...)
	}

	return buf, nil
}

// writeChainBytes copies data across chain's device-writable descriptors
// in order, returning the number of bytes actually written (data is
// truncated if the chain's buffers are smaller than data).
func writeChainBytes(mem *memory.Region, chain []mmio.Desc, data []byte) (uint32, error) {
	var written uint32

	for _, d := range chain {
		if d.Flags&mmio.DescFWrite == 0 || len(data) == 0 {
			continue
		}

		n := d.Len
		if int(n) > len(data) {
			n = uint32(len(data))
		}

		if err := mem.Write(d.Addr, data[:n]); err != nil {
			return written, err
		}

		data = data[n:]
		written += n
	}

	return written, nil
}
