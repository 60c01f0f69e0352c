package auth

import (
	"bufio"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/INLOpen/nexusdoc/sys"
	"golang.org/x/crypto/bcrypt"
)

const (
	// UserFileMagic identifies the admin user database file.
	UserFileMagic uint32 = 0x4E445553 // "NDUS"
	// CurrentUserFileVersion is the current version of the user file format.
	CurrentUserFileVersion uint8 = 1
)

// HashType defines the password hashing algorithm used.
type HashType uint8

const (
	HashTypeUnknown HashType = 0
	HashTypeBcrypt  HashType = 1
	HashTypeSHA256  HashType = 2
	HashTypeSHA512  HashType = 3
)

func (h HashType) valid() bool {
	return h == HashTypeBcrypt || h == HashTypeSHA256 || h == HashTypeSHA512
}

// UserFileHeader is the fixed-size prefix of the user file.
type UserFileHeader struct {
	Magic     uint32
	Version   uint8
	HashType  HashType
	UserCount uint32
}

// UserRecord is a single user's entry in the file.
type UserRecord struct {
	Username     string
	PasswordHash string
	Role         string
}

// ValidRole reports whether role is one the API understands.
func ValidRole(role string) bool {
	switch role {
	case RoleReader, RoleWriter, RoleAdmin:
		return true
	}
	return false
}

// WriteUserFile replaces the user file at path. The file is written to a
// temporary name, synced and renamed, so readers see the old or the new set.
func WriteUserFile(path string, users map[string]UserRecord, hashType HashType) error {
	if !hashType.valid() {
		return fmt.Errorf("unsupported hash type: %d", hashType)
	}
	tmpPath := path + ".tmp"
	file, err := sys.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create user file: %w", err)
	}
	cleanup := func() {
		file.Close()
		sys.Remove(tmpPath)
	}

	w := bufio.NewWriter(file)
	header := UserFileHeader{
		Magic:     UserFileMagic,
		Version:   CurrentUserFileVersion,
		HashType:  hashType,
		UserCount: uint32(len(users)),
	}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		cleanup()
		return fmt.Errorf("failed to write user file header: %w", err)
	}

	// Sorted so the same set of users always produces the same bytes.
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := writeUserRecord(w, users[name]); err != nil {
			cleanup()
			return fmt.Errorf("failed to write user record for '%s': %w", name, err)
		}
	}

	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("failed to flush user file: %w", err)
	}
	if err := file.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync user file: %w", err)
	}
	if err := file.Close(); err != nil {
		sys.Remove(tmpPath)
		return fmt.Errorf("failed to close user file: %w", err)
	}
	if err := sys.Rename(tmpPath, path); err != nil {
		sys.Remove(tmpPath)
		return fmt.Errorf("failed to install user file: %w", err)
	}
	return sys.SyncDir(filepath.Dir(path))
}

// ReadUserFile reads the user file. A missing or empty file yields no users
// and the bcrypt hash type.
func ReadUserFile(path string) (map[string]UserRecord, HashType, error) {
	file, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]UserRecord), HashTypeBcrypt, nil
		}
		return nil, HashTypeUnknown, fmt.Errorf("failed to open user file: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var header UserFileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		if errors.Is(err, io.EOF) {
			return make(map[string]UserRecord), HashTypeBcrypt, nil
		}
		return nil, HashTypeUnknown, fmt.Errorf("failed to read user file header: %w", err)
	}

	if header.Magic != UserFileMagic {
		return nil, HashTypeUnknown, fmt.Errorf("invalid user file magic number: got %x", header.Magic)
	}
	if header.Version > CurrentUserFileVersion {
		return nil, HashTypeUnknown, fmt.Errorf("unsupported user file version: got %d", header.Version)
	}
	if !header.HashType.valid() {
		return nil, HashTypeUnknown, fmt.Errorf("unsupported hash type: got %d", header.HashType)
	}

	users := make(map[string]UserRecord, header.UserCount)
	for i := uint32(0); i < header.UserCount; i++ {
		record, err := readUserRecord(r)
		if err != nil {
			return nil, HashTypeUnknown, fmt.Errorf("failed to read user record #%d: %w", i+1, err)
		}
		if !ValidRole(record.Role) {
			return nil, HashTypeUnknown, fmt.Errorf("user '%s' has unknown role %q", record.Username, record.Role)
		}
		users[record.Username] = record
	}

	return users, header.HashType, nil
}

// HashPassword hashes password with the given algorithm.
// SHA256/SHA512 are unsalted and exist for interoperability with older files.
func HashPassword(password string, hashType HashType) (string, error) {
	switch hashType {
	case HashTypeBcrypt:
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hashed), nil
	case HashTypeSHA256:
		sum := sha256.Sum256([]byte(password))
		return hex.EncodeToString(sum[:]), nil
	case HashTypeSHA512:
		sum := sha512.Sum512([]byte(password))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash type: %d", hashType)
	}
}

func writeUserRecord(w io.Writer, user UserRecord) error {
	for _, s := range []string{user.Username, user.PasswordHash, user.Role} {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readUserRecord(r io.Reader) (UserRecord, error) {
	var fields [3]string
	for i := range fields {
		s, err := readString(r)
		if err != nil {
			return UserRecord{}, err
		}
		fields[i] = s
	}
	return UserRecord{Username: fields[0], PasswordHash: fields[1], Role: fields[2]}, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string of %d bytes does not fit the user file", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}
