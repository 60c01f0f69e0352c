// Command user-admin manages the user file that guards the nexusdoc HTTP API.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/INLOpen/nexusdoc/auth"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	addUserFile := addCmd.String("file", "users.db", "Path to the user database file.")
	addUsername := addCmd.String("username", "", "Username to add.")
	addHashType := addCmd.String("hash-type", "bcrypt", "Password hash type when creating a new user file (bcrypt, sha256, sha512).")
	addRole := addCmd.String("role", auth.RoleReader, "Role for the new user (reader, writer or admin).")
	addStdin := addCmd.Bool("password-stdin", false, "Read the password from the first line of stdin instead of prompting.")

	passwdCmd := flag.NewFlagSet("passwd", flag.ExitOnError)
	passwdUserFile := passwdCmd.String("file", "users.db", "Path to the user database file.")
	passwdUsername := passwdCmd.String("username", "", "User whose password changes.")
	passwdStdin := passwdCmd.Bool("password-stdin", false, "Read the password from the first line of stdin instead of prompting.")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listUserFile := listCmd.String("file", "users.db", "Path to the user database file.")

	delCmd := flag.NewFlagSet("delete", flag.ExitOnError)
	delUserFile := delCmd.String("file", "users.db", "Path to the user database file.")
	delUsername := delCmd.String("username", "", "Username to delete.")

	var err error
	switch os.Args[1] {
	case "add":
		addCmd.Parse(os.Args[2:])
		err = handleAdd(*addUserFile, *addUsername, *addRole, *addHashType, passwordSource(*addStdin))
	case "passwd":
		passwdCmd.Parse(os.Args[2:])
		err = handlePasswd(*passwdUserFile, *passwdUsername, passwordSource(*passwdStdin))
	case "list":
		listCmd.Parse(os.Args[2:])
		err = handleList(os.Stdout, *listUserFile)
	case "delete":
		delCmd.Parse(os.Args[2:])
		err = handleDelete(*delUserFile, *delUsername)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: user-admin <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  add     - Add a new user")
	fmt.Println("  passwd  - Change a user's password")
	fmt.Println("  list    - List all users")
	fmt.Println("  delete  - Delete a user")
	fmt.Println("\nUse 'user-admin <command> -h' for more information on a specific command.")
}

// passwordSource returns a function that reads a password either from a
// terminal prompt, asked twice, or from the first line of stdin.
func passwordSource(fromStdin bool) func() (string, error) {
	if fromStdin {
		return func() (string, error) {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return "", err
			}
			return strings.TrimRight(line, "\r\n"), nil
		}
	}
	return promptPassword
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Print("Enter password: ")
	password, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password confirmation: %w", err)
	}
	if string(password) != string(confirm) {
		return "", errors.New("passwords do not match")
	}
	return string(password), nil
}

func parseHashType(name string) (auth.HashType, error) {
	switch strings.ToLower(name) {
	case "bcrypt":
		return auth.HashTypeBcrypt, nil
	case "sha256":
		return auth.HashTypeSHA256, nil
	case "sha512":
		return auth.HashTypeSHA512, nil
	}
	return auth.HashTypeUnknown, fmt.Errorf("invalid -hash-type %q, supported values are bcrypt, sha256, sha512", name)
}

func handleAdd(file, username, role, hashTypeStr string, readPassword func() (string, error)) error {
	if username == "" {
		return errors.New("-username is required")
	}
	if !auth.ValidRole(role) {
		return fmt.Errorf("-role must be one of %s, %s or %s", auth.RoleReader, auth.RoleWriter, auth.RoleAdmin)
	}

	users, hashType, err := auth.ReadUserFile(file)
	if err != nil {
		return err
	}
	if _, exists := users[username]; exists {
		return fmt.Errorf("user '%s' already exists", username)
	}
	// An existing file keeps its hash type; all users must share it.
	if len(users) == 0 {
		if hashType, err = parseHashType(hashTypeStr); err != nil {
			return err
		}
	}

	password, err := readPassword()
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password must not be empty")
	}
	hashed, err := auth.HashPassword(password, hashType)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	users[username] = auth.UserRecord{Username: username, PasswordHash: hashed, Role: role}
	if err := auth.WriteUserFile(file, users, hashType); err != nil {
		return err
	}
	fmt.Printf("Added user '%s' with role '%s' to %s.\n", username, role, file)
	return nil
}

func handlePasswd(file, username string, readPassword func() (string, error)) error {
	users, hashType, err := auth.ReadUserFile(file)
	if err != nil {
		return err
	}
	user, ok := users[username]
	if !ok {
		return fmt.Errorf("user '%s' not found", username)
	}
	password, err := readPassword()
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password must not be empty")
	}
	if user.PasswordHash, err = auth.HashPassword(password, hashType); err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	users[username] = user
	if err := auth.WriteUserFile(file, users, hashType); err != nil {
		return err
	}
	fmt.Printf("Changed password of '%s'.\n", username)
	return nil
}

func handleList(w io.Writer, file string) error {
	users, hashType, err := auth.ReadUserFile(file)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(w, "No users found.")
		return nil
	}

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	slices.Sort(names)
	fmt.Fprintf(w, "Users (hash type %d):\n", hashType)
	for _, name := range names {
		fmt.Fprintf(w, "- %s (%s)\n", name, users[name].Role)
	}
	return nil
}

func handleDelete(file, username string) error {
	if username == "" {
		return errors.New("-username is required")
	}
	users, hashType, err := auth.ReadUserFile(file)
	if err != nil {
		return err
	}
	if _, exists := users[username]; !exists {
		return fmt.Errorf("user '%s' not found", username)
	}
	delete(users, username)
	if err := auth.WriteUserFile(file, users, hashType); err != nil {
		return err
	}
	fmt.Printf("Deleted user '%s' from %s.\n", username, file)
	return nil
}
