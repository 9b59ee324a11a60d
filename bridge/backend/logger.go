package backend

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithFields(logrus.Fields{"prefix": "bridge/backend"})

func SetLogger(l *logrus.Entry) {
	logger = l
}
