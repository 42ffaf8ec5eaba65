package util

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ToBE encodes a fixed-size value into big-endian bytes. The value must
// be a fixed-size type as understood by encoding/binary.
func ToBE[T any](val T) []byte {
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.BigEndian, val); err != nil {
		panic(fmt.Sprintf("util: non-encodable value %T: %v", val, err))
	}
	return buffer.Bytes()
}

// ToLE encodes a fixed-size value into little-endian bytes. USB setup
// packets are little-endian even though the USB/IP framing is not.
func ToLE[T any](val T) []byte {
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.LittleEndian, val); err != nil {
		panic(fmt.Sprintf("util: non-encodable value %T: %v", val, err))
	}
	return buffer.Bytes()
}

// ReadBE reads one big-endian value of type T from the reader.
func ReadBE[T any](reader io.Reader) (T, error) {
	var value T
	if err := binary.Read(reader, binary.BigEndian, &value); err != nil {
		return value, err
	}
	return value, nil
}

// ReadLE reads one little-endian value of type T from the reader.
func ReadLE[T any](reader io.Reader) (T, error) {
	var value T
	if err := binary.Read(reader, binary.LittleEndian, &value); err != nil {
		return value, err
	}
	return value, nil
}

// FromBE decodes a fixed-size value from big-endian bytes. Fails when
// the input is shorter than the wire size of T.
func FromBE[T any](data []byte) (T, error) {
	return ReadBE[T](bytes.NewReader(data))
}

// SizeOf reports the encoded size in bytes of the fixed-size type T.
func SizeOf[T any]() int {
	var val T
	return binary.Size(val)
}

// WriteFull writes the whole buffer or returns an error.
func WriteFull(writer io.Writer, data []byte) error {
	_, err := writer.Write(data)
	return err
}

// ReadFull reads exactly length bytes from the reader.
func ReadFull(reader io.Reader, length int) ([]byte, error) {
	data := make([]byte, length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Pad copies src into a fresh slice of the given size, zero-filling the
// remainder. Input longer than size is truncated.
func Pad[T any](src []T, size int) []T {
	destination := make([]T, size)
	copy(destination, src)
	return destination
}

// CString converts a null-terminated byte buffer into a Go string. A
// buffer entirely filled with non-null bytes is taken as-is.
func CString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}

// PutCString copies s into dst, leaving at least one trailing null when
// s is longer than the destination.
func PutCString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	limit := len(dst) - 1
	if limit < 0 {
		return
	}
	copy(dst[:limit], s)
}

// Concat joins slices into a freshly allocated slice.
func Concat[T any](arrays ...[]T) []T {
	output := make([]T, 0)
	for _, arr := range arrays {
		output = append(output, arr...)
	}
	return output
}
