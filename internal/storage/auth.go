package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/cases"

	"loopcast/internal/models"
)

const (
	passwordHashIterations = 210000
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordMinLength      = 8
)

var emailFolder = cases.Fold()

// normalizeEmail canonicalises an address for lookups: whitespace trimmed,
// case folded. Unicode addresses fold correctly rather than ASCII-lowercasing.
func normalizeEmail(email string) string {
	return emailFolder.String(strings.TrimSpace(email))
}

// CreateOperator registers a control-surface account. Emails are unique after
// case folding.
func (s *Storage) CreateOperator(params CreateOperatorParams) (models.Operator, error) {
	email := normalizeEmail(params.Email)
	if email == "" {
		return models.Operator{}, errors.New("operator email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return models.Operator{}, fmt.Errorf("operator email is invalid: %w", err)
	}
	if len(params.Password) < passwordMinLength {
		return models.Operator{}, fmt.Errorf("password must be at least %d characters", passwordMinLength)
	}
	hashed, err := hashPassword(params.Password)
	if err != nil {
		return models.Operator{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	for _, existing := range s.data.Operators {
		if normalizeEmail(existing.Email) == email {
			return models.Operator{}, fmt.Errorf("%w: %s", ErrOperatorExists, email)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Operator{}, err
	}
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		displayName = email
	}
	operator := models.Operator{
		ID:           id,
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hashed,
		CreatedAt:    s.now(),
	}
	s.data.Operators[id] = operator
	if err := s.persist(); err != nil {
		delete(s.data.Operators, id)
		return models.Operator{}, err
	}
	return operator, nil
}

// AuthenticateOperator verifies credentials and returns the matching account.
// Unknown accounts and wrong passwords fail identically.
func (s *Storage) AuthenticateOperator(email, password string) (models.Operator, error) {
	if password == "" {
		return models.Operator{}, ErrInvalidCredentials
	}
	operator, ok := s.findOperatorByEmail(email)
	if !ok {
		return models.Operator{}, ErrInvalidCredentials
	}
	if err := verifyPassword(operator.PasswordHash, password); err != nil {
		return models.Operator{}, err
	}
	return operator, nil
}

func (s *Storage) findOperatorByEmail(email string) (models.Operator, bool) {
	needle := normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, operator := range s.data.Operators {
		if normalizeEmail(operator.Email) == needle {
			return operator, true
		}
	}
	return models.Operator{}, false
}

// GetOperator returns an account by id.
func (s *Storage) GetOperator(id string) (models.Operator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	operator, ok := s.data.Operators[id]
	return operator, ok
}

// ListOperators returns accounts sorted by email.
func (s *Storage) ListOperators() []models.Operator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	operators := make([]models.Operator, 0, len(s.data.Operators))
	for _, operator := range s.data.Operators {
		operators = append(operators, operator)
	}
	sort.Slice(operators, func(i, j int) bool { return operators[i].Email < operators[j].Email })
	return operators
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, passwordHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, passwordHashIterations, passwordHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", passwordHashIterations, encodedSalt, encodedKey), nil
}

func verifyPassword(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify password: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify password: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify password: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify password: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify password: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
