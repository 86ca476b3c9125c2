package redis

import "chatcall/internal/core/domain"

const keyPrefix = "chatcall:"

func callKey(id domain.CallID) string {
	return keyPrefix + "call:" + string(id)
}

func callEventsChannel(id domain.CallID) string {
	return callKey(id) + ":events"
}

func candidatesKey(id domain.CallID) string {
	return callKey(id) + ":candidates"
}

func incomingChannel(user domain.UserID) string {
	return keyPrefix + "user:" + string(user) + ":incoming"
}

func historyKey(user domain.UserID) string {
	return keyPrefix + "user:" + string(user) + ":calls"
}

func contactKey(user domain.UserID) string {
	return keyPrefix + "contact:" + string(user)
}
