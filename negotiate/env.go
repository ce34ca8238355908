package negotiate

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// envSides is set up once by the host shell (via execvpe(), per the C
// original) before a tool runs. Reading it is a thin external
// collaborator per spec §1 -- no parsing library needed, just
// os.LookupEnv (so that an unset variable can be told apart from "0").
type envSides struct {
	SgshIn  bool
	SgshOut bool
}

func readEnvSides() (envSides, error) {
	in, err := readBoolEnv("SGSH_IN")
	if err != nil {
		return envSides{}, err
	}
	out, err := readBoolEnv("SGSH_OUT")
	if err != nil {
		return envSides{}, err
	}
	return envSides{SgshIn: in, SgshOut: out}, nil
}

func readBoolEnv(name string) (bool, error) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return false, NewError(KindEnvironment, errors.Errorf("environment variable %s is not set", name))
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return false, NewError(KindEnvironment, errors.Wrapf(err, "environment variable %s is not an integer", name))
	}
	return v != 0, nil
}
