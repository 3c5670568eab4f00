package network

type BadIdentityError struct{}

func (e BadIdentityError) Error() string {
	return "BadIdentityError"
}

type IdentityGenerationError struct{}

func (e IdentityGenerationError) Error() string {
	return "IdentityGenerationError"
}

type BadRootSetError struct{}

func (e BadRootSetError) Error() string {
	return "BadRootSetError"
}

var (
	ErrBadIdentity = BadIdentityError{}
	ErrBadRootSet  = BadRootSetError{}
)
