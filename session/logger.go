package session

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithFields(logrus.Fields{"prefix": "session"})

func SetLogger(l *logrus.Entry) {
	logger = l
}
