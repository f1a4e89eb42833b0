package secrets

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func marshalRequest(body requestBody) ([]byte, error) {
	return json.Marshal(body)
}
